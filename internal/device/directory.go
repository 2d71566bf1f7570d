package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fernet/fernet-go"
	"github.com/webosbrew/dev-manager-desktop/internal/crypto"
	"github.com/webosbrew/dev-manager-desktop/internal/errdefs"
	"gopkg.in/yaml.v3"
)

// Directory supplies device records by name.
type Directory interface {
	Device(ctx context.Context, name string) (Device, error)
	List(ctx context.Context) ([]Device, error)
}

// fileFormat is the on-disk layout of the devices file.
type fileFormat struct {
	Devices []Device `yaml:"devices"`
}

// FileDirectory reads devices from a YAML file. Passwords and passphrases
// may be stored as "fernet:" tokens and are decrypted with the secret key.
// The file is re-read on every lookup so edits apply without a restart.
type FileDirectory struct {
	path string
	key  *fernet.Key
	mu   sync.Mutex
}

// NewFileDirectory returns a directory backed by path. key may be nil when
// the file holds no encrypted values.
func NewFileDirectory(path string, key *fernet.Key) *FileDirectory {
	return &FileDirectory{path: path, key: key}
}

func (d *FileDirectory) Device(ctx context.Context, name string) (Device, error) {
	devices, err := d.List(ctx)
	if err != nil {
		return Device{}, err
	}
	for _, dev := range devices {
		if dev.Name == name {
			return dev, nil
		}
	}
	return Device{}, errdefs.NotFound(fmt.Sprintf("device %q", name))
}

func (d *FileDirectory) List(_ context.Context) ([]Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	raw, err := d.read()
	if err != nil {
		return nil, err
	}
	out := make([]Device, 0, len(raw))
	for _, dev := range raw {
		if dev.Password, err = crypto.Decrypt(d.key, dev.Password); err != nil {
			return nil, fmt.Errorf("device %q password: %w", dev.Name, err)
		}
		if dev.Passphrase, err = crypto.Decrypt(d.key, dev.Passphrase); err != nil {
			return nil, fmt.Errorf("device %q passphrase: %w", dev.Name, err)
		}
		out = append(out, dev)
	}
	return out, nil
}

// Put adds or replaces a device, keeping the file sorted by name. Secrets
// are stored as given; callers encrypt them first when a key is configured.
func (d *FileDirectory) Put(dev Device) error {
	if err := dev.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	devices, err := d.read()
	if err != nil {
		return err
	}
	replaced := false
	for i := range devices {
		if devices[i].Name == dev.Name {
			devices[i] = dev
			replaced = true
		}
		if dev.Default && devices[i].Name != dev.Name {
			devices[i].Default = false
		}
	}
	if !replaced {
		devices = append(devices, dev)
	}
	return d.write(devices)
}

// Remove deletes a device by name.
func (d *FileDirectory) Remove(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	devices, err := d.read()
	if err != nil {
		return err
	}
	kept := devices[:0]
	for _, dev := range devices {
		if dev.Name != name {
			kept = append(kept, dev)
		}
	}
	if len(kept) == len(devices) {
		return errdefs.NotFound(fmt.Sprintf("device %q", name))
	}
	return d.write(kept)
}

func (d *FileDirectory) read() ([]Device, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read devices file: %w", err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse devices file: %w", err)
	}
	return f.Devices, nil
}

func (d *FileDirectory) write(devices []Device) error {
	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })
	data, err := yaml.Marshal(fileFormat{Devices: devices})
	if err != nil {
		return fmt.Errorf("encode devices file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0700); err != nil {
		return fmt.Errorf("create devices directory: %w", err)
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write devices file: %w", err)
	}
	return os.Rename(tmp, d.path)
}

// Static is an in-memory Directory.
type Static map[string]Device

// NewStatic builds a Static directory from devices.
func NewStatic(devices ...Device) Static {
	s := make(Static, len(devices))
	for _, d := range devices {
		s[d.Name] = d
	}
	return s
}

func (s Static) Device(_ context.Context, name string) (Device, error) {
	d, ok := s[name]
	if !ok {
		return Device{}, errdefs.NotFound(fmt.Sprintf("device %q", name))
	}
	return d, nil
}

func (s Static) List(_ context.Context) ([]Device, error) {
	out := make([]Device, 0, len(s))
	for _, d := range s {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
