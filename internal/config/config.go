package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath    string `envconfig:"DATA_PATH" default:"./data"`
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8740"`
	DevicesFile string `envconfig:"DEVICES_FILE" default:""`
	SSHKeyDir   string `envconfig:"SSH_KEY_DIR" default:""`
	LogPath     string `envconfig:"LOG_PATH" default:""`
	DBPath      string `envconfig:"DB_PATH" default:""`

	// LogMaxSize is a human size ("10MB"); a larger log is rotated to
	// LogPath.1 on startup.
	LogMaxSize string `envconfig:"LOG_MAX_SIZE" default:"10MB"`

	// SecretKey is the fernet key used for "fernet:" values in the devices file.
	SecretKey string `envconfig:"SECRET_KEY" default:""`

	// Connection pool settings, applied to every device.
	PoolMaxSize      int           `envconfig:"POOL_MAX_SIZE" default:"5"`
	PoolMinIdle      int           `envconfig:"POOL_MIN_IDLE" default:"0"`
	PoolIdleTimeout  time.Duration `envconfig:"POOL_IDLE_TIMEOUT" default:"5m"`
	PoolLeaseTimeout time.Duration `envconfig:"POOL_LEASE_TIMEOUT" default:"30s"`
	DialTimeout      time.Duration `envconfig:"DIAL_TIMEOUT" default:"10s"`
	KeepaliveEvery   time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`
	RetryAttempts    int           `envconfig:"RETRY_ATTEMPTS" default:"3"`

	// Connect limiter: consecutive failures before new connects are refused
	// for ConnectBlockDuration.
	ConnectMaxFailures   int           `envconfig:"CONNECT_MAX_FAILURES" default:"5"`
	ConnectBlockDuration time.Duration `envconfig:"CONNECT_BLOCK_DURATION" default:"30s"`

	// Terminal session settings
	ScrollbackLines int `envconfig:"SCROLLBACK_LINES" default:"1000"`

	AuditRetentionDays int `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("DEVMGR", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	Cfg.applyPathDefaults()
}

// applyPathDefaults derives file locations that default to DataPath.
func (s *Settings) applyPathDefaults() {
	if s.DevicesFile == "" {
		s.DevicesFile = filepath.Join(s.DataPath, "devices.yaml")
	}
	if s.SSHKeyDir == "" {
		s.SSHKeyDir = filepath.Join(s.DataPath, "ssh")
	}
	if s.LogPath == "" {
		s.LogPath = filepath.Join(s.DataPath, "devmgr.log")
	}
	if s.DBPath == "" {
		s.DBPath = filepath.Join(s.DataPath, "devmgr.db")
	}
}
