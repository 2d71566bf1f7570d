package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/webosbrew/dev-manager-desktop/internal/config"
	"github.com/webosbrew/dev-manager-desktop/internal/crypto"
	"github.com/webosbrew/dev-manager-desktop/internal/database"
	"github.com/webosbrew/dev-manager-desktop/internal/device"
	"github.com/webosbrew/dev-manager-desktop/internal/errdefs"
	"github.com/webosbrew/dev-manager-desktop/internal/session"
	"github.com/webosbrew/dev-manager-desktop/internal/sshaudit"
	"github.com/webosbrew/dev-manager-desktop/internal/sshpool"
	"gorm.io/gorm"
)

// secretKeySetting holds the generated fernet key when DEVMGR_SECRET_KEY is
// not set.
const secretKeySetting = "fernet_key"

// loadSecretKey returns the configured key, or the one stored in the
// database, generating and storing it on first use.
func loadSecretKey() (*fernet.Key, error) {
	encoded := config.Cfg.SecretKey
	if encoded == "" {
		v, err := database.GetSetting(secretKeySetting)
		switch {
		case err == nil:
			encoded = v
		case errors.Is(err, gorm.ErrRecordNotFound):
			encoded = crypto.GenerateKey()
			if err := database.SetSetting(secretKeySetting, encoded); err != nil {
				return nil, fmt.Errorf("store generated key: %w", err)
			}
			log.Printf("Generated secret key (stored in database)")
		default:
			return nil, fmt.Errorf("read stored key: %w", err)
		}
	}
	return crypto.ParseKey(encoded)
}

func newManager(auditor *sshaudit.Auditor) *session.Manager {
	return session.NewManager(session.Config{
		Pool: sshpool.Config{
			MaxSize:     config.Cfg.PoolMaxSize,
			MinIdle:     config.Cfg.PoolMinIdle,
			IdleTimeout: config.Cfg.PoolIdleTimeout,
			GetTimeout:  config.Cfg.PoolLeaseTimeout,
			Connect: sshpool.ConnectOptions{
				SSHDir:  config.Cfg.SSHKeyDir,
				Timeout: config.Cfg.DialTimeout,
			},
			RateLimit: sshpool.RateLimitConfig{
				MaxConsecFailures: config.Cfg.ConnectMaxFailures,
				BlockDuration:     config.Cfg.ConnectBlockDuration,
			},
		},
		RetryAttempts:  config.Cfg.RetryAttempts,
		Scrollback:     config.Cfg.ScrollbackLines,
		KeepaliveEvery: config.Cfg.KeepaliveEvery,
		ReapEvery:      config.Cfg.PoolIdleTimeout / 2,
	}, auditor)
}

// cliEnv is what a one-shot command needs: the devices file, the secret key
// and a manager whose operations are audited like the server's.
type cliEnv struct {
	key *fernet.Key
	dir *device.FileDirectory
	mgr *session.Manager
}

func openCLI() (*cliEnv, error) {
	if !verbose {
		log.SetOutput(io.Discard)
	}
	if err := database.Init(); err != nil {
		return nil, fmt.Errorf("database init: %w", err)
	}
	key, err := loadSecretKey()
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("secret key: %w", err)
	}
	auditor, err := sshaudit.NewAuditor(database.DB, config.Cfg.AuditRetentionDays)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("audit init: %w", err)
	}
	return &cliEnv{
		key: key,
		dir: device.NewFileDirectory(config.Cfg.DevicesFile, key),
		mgr: newManager(auditor),
	}, nil
}

func (e *cliEnv) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.mgr.Close(ctx)
	database.Close()
}

// pickDevice returns the named device, or the default one when name is
// empty. A directory with a single device needs no default.
func pickDevice(ctx context.Context, dir device.Directory, name string) (device.Device, error) {
	if name != "" {
		return dir.Device(ctx, name)
	}
	devices, err := dir.List(ctx)
	if err != nil {
		return device.Device{}, err
	}
	if len(devices) == 1 {
		return devices[0], nil
	}
	for _, d := range devices {
		if d.Default {
			return d, nil
		}
	}
	if len(devices) == 0 {
		return device.Device{}, errdefs.NotFound("device")
	}
	return device.Device{}, errdefs.New(errdefs.KindMessage, "no default device; use --device")
}
