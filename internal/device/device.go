// Package device describes the remote devices the manager talks to and the
// directory that supplies them by name.
package device

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
)

// DefaultPort is the SSH port used by webOS developer mode.
const DefaultPort = 9922

// Device is one remote target. Values are treated as immutable once handed
// to the session manager; the pool is keyed by Name.
type Device struct {
	Name        string      `yaml:"name" json:"name"`
	Host        string      `yaml:"host" json:"host"`
	Port        int         `yaml:"port,omitempty" json:"port"`
	Username    string      `yaml:"username" json:"username"`
	Profile     string      `yaml:"profile,omitempty" json:"profile,omitempty"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Default     bool        `yaml:"default,omitempty" json:"default,omitempty"`
	PrivateKey  *PrivateKey `yaml:"privateKey,omitempty" json:"privateKey,omitempty"`
	Passphrase  string      `yaml:"passphrase,omitempty" json:"-"`
	Password    string      `yaml:"password,omitempty" json:"-"`
}

// PrivateKey is either a file name relative to the SSH key directory (or an
// absolute path), or inline PEM data.
type PrivateKey struct {
	Path string `yaml:"openSsh,omitempty" json:"openSsh,omitempty"`
	Data string `yaml:"openSshData,omitempty" json:"-"`
}

// Addr returns host:port, defaulting the port.
func (d Device) Addr() string {
	port := d.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(port))
}

// HostOrName is the host when set, else the device name.
func (d Device) HostOrName() string {
	if d.Host != "" {
		return d.Host
	}
	return d.Name
}

// Validate checks the fields required to open a connection.
func (d Device) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("device name is required")
	}
	if d.Host == "" {
		return fmt.Errorf("device %q: host is required", d.Name)
	}
	if d.Username == "" {
		return fmt.Errorf("device %q: username is required", d.Name)
	}
	if d.Port < 0 || d.Port > 65535 {
		return fmt.Errorf("device %q: invalid port %d", d.Name, d.Port)
	}
	if k := d.PrivateKey; k != nil && k.Path == "" && k.Data == "" {
		return fmt.Errorf("device %q: private key has neither path nor data", d.Name)
	}
	return nil
}

// Content returns the PEM bytes of the key. Relative paths are resolved
// against sshDir.
func (k *PrivateKey) Content(sshDir string) ([]byte, error) {
	if k.Data != "" {
		return []byte(k.Data), nil
	}
	path := k.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(sshDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return data, nil
}
