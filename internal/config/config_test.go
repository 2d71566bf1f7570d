package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DEVMGR_DATA_PATH", "/var/lib/devmgr")
	Cfg = Settings{}
	Load()

	if Cfg.PoolMaxSize != 5 {
		t.Errorf("PoolMaxSize = %d, want 5", Cfg.PoolMaxSize)
	}
	if Cfg.PoolIdleTimeout != 5*time.Minute {
		t.Errorf("PoolIdleTimeout = %v, want 5m", Cfg.PoolIdleTimeout)
	}
	if Cfg.RetryAttempts != 3 {
		t.Errorf("RetryAttempts = %d, want 3", Cfg.RetryAttempts)
	}
	if Cfg.LogMaxSize != "10MB" {
		t.Errorf("LogMaxSize = %q, want 10MB", Cfg.LogMaxSize)
	}
	if Cfg.ConnectMaxFailures != 5 || Cfg.ConnectBlockDuration != 30*time.Second {
		t.Errorf("connect limiter = %d/%v, want 5/30s", Cfg.ConnectMaxFailures, Cfg.ConnectBlockDuration)
	}
	if want := filepath.Join("/var/lib/devmgr", "devices.yaml"); Cfg.DevicesFile != want {
		t.Errorf("DevicesFile = %q, want %q", Cfg.DevicesFile, want)
	}
	if want := filepath.Join("/var/lib/devmgr", "ssh"); Cfg.SSHKeyDir != want {
		t.Errorf("SSHKeyDir = %q, want %q", Cfg.SSHKeyDir, want)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DEVMGR_POOL_MAX_SIZE", "2")
	t.Setenv("DEVMGR_POOL_LEASE_TIMEOUT", "750ms")
	t.Setenv("DEVMGR_DEVICES_FILE", "/etc/devmgr/devices.yaml")
	Cfg = Settings{}
	Load()

	if Cfg.PoolMaxSize != 2 {
		t.Errorf("PoolMaxSize = %d, want 2", Cfg.PoolMaxSize)
	}
	if Cfg.PoolLeaseTimeout != 750*time.Millisecond {
		t.Errorf("PoolLeaseTimeout = %v, want 750ms", Cfg.PoolLeaseTimeout)
	}
	if Cfg.DevicesFile != "/etc/devmgr/devices.yaml" {
		t.Errorf("DevicesFile = %q", Cfg.DevicesFile)
	}
}
