package sshfiles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/sftp"
	"github.com/webosbrew/dev-manager-desktop/internal/device"
	"github.com/webosbrew/dev-manager-desktop/internal/errdefs"
	"github.com/webosbrew/dev-manager-desktop/internal/logging"
	"github.com/webosbrew/dev-manager-desktop/internal/session"
	"github.com/webosbrew/dev-manager-desktop/internal/sshpool"
)

// slowThreshold marks operations worth a log line of their own.
const slowThreshold = 500 * time.Millisecond

// FileEntry describes one remote file.
type FileEntry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	IsDir   bool      `json:"is_dir"`
	IsLink  bool      `json:"is_link"`
	ModTime time.Time `json:"mod_time"`
}

func entryOf(dir string, fi os.FileInfo) FileEntry {
	return FileEntry{
		Name:    fi.Name(),
		Path:    path.Join(dir, fi.Name()),
		Size:    fi.Size(),
		Mode:    fi.Mode().String(),
		IsDir:   fi.IsDir(),
		IsLink:  fi.Mode()&os.ModeSymlink != 0,
		ModTime: fi.ModTime(),
	}
}

// Files runs file operations through a session manager.
type Files struct {
	mgr *session.Manager
}

func New(mgr *session.Manager) *Files {
	return &Files{mgr: mgr}
}

// withSFTP opens an SFTP client on a leased connection and runs fn. A
// device without the sftp subsystem yields errdefs.ErrUnsupported.
func (f *Files) withSFTP(ctx context.Context, dev device.Device, op string, fn func(*sftp.Client) error) error {
	return f.mgr.WithConnection(ctx, dev, "sftp "+op, func(c *sshpool.Conn) error {
		client, err := sftp.NewClient(c.Client())
		if err != nil {
			if c.Disconnected() {
				return errdefs.Disconnected(err)
			}
			c.MarkOK()
			return errdefs.Wrap(errdefs.KindUnsupported, err, "sftp subsystem unavailable")
		}
		defer client.Close()

		if err := fn(client); err != nil {
			err = errdefs.Classify(err)
			if !c.Disconnected() && !errdefs.IsTransient(err) {
				// The device answered; the connection is fine.
				c.MarkOK()
			}
			return err
		}
		return nil
	})
}

// finish logs and audits a completed operation.
func (f *Files) finish(dev device.Device, op, p string, size int64, start time.Time, err error) {
	took := time.Since(start)
	name := logging.Sanitize(dev.Name)
	switch {
	case err != nil:
		log.Printf("[sshfiles] %s %s on %s failed after %s: %v", op, logging.Sanitize(p), name, took, err)
	case took > slowThreshold:
		log.Printf("[sshfiles] SLOW %s %s on %s (%s) took %s", op, logging.Sanitize(p), name, units.HumanSize(float64(size)), took)
	default:
		log.Printf("[sshfiles] %s %s on %s (%s) completed in %s", op, logging.Sanitize(p), name, units.HumanSize(float64(size)), took)
	}
	f.mgr.Auditor().LogFileOperation(dev.Name, dev.Username, op, p, err)
}

// List returns the entries of a remote directory, directories first.
func (f *Files) List(ctx context.Context, dev device.Device, dir string) ([]FileEntry, error) {
	start := time.Now()
	var entries []FileEntry
	err := f.withSFTP(ctx, dev, "list", func(c *sftp.Client) error {
		infos, err := c.ReadDir(dir)
		if err != nil {
			return err
		}
		entries = make([]FileEntry, 0, len(infos))
		for _, fi := range infos {
			entries = append(entries, entryOf(dir, fi))
		}
		return nil
	})
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
	f.finish(dev, "list", dir, int64(len(entries)), start, err)
	return entries, err
}

// Stat describes a single remote path without following a final symlink.
func (f *Files) Stat(ctx context.Context, dev device.Device, p string) (FileEntry, error) {
	var entry FileEntry
	err := f.withSFTP(ctx, dev, "stat", func(c *sftp.Client) error {
		fi, err := c.Lstat(p)
		if err != nil {
			return err
		}
		entry = entryOf(path.Dir(p), fi)
		return nil
	})
	return entry, err
}

// Get reads a whole remote file.
func (f *Files) Get(ctx context.Context, dev device.Device, p string) ([]byte, error) {
	start := time.Now()
	var data []byte
	err := f.withSFTP(ctx, dev, "get", func(c *sftp.Client) error {
		file, err := c.Open(p)
		if err != nil {
			return err
		}
		defer file.Close()
		data, err = io.ReadAll(file)
		return err
	})
	if errors.Is(err, errdefs.ErrUnsupported) {
		var out session.ExecOutput
		out, err = f.mgr.Exec(ctx, dev, "cat "+shellQuote(p), nil)
		data = out.Stdout
	}
	f.finish(dev, "get", p, int64(len(data)), start, err)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Put writes data to a remote file, creating or truncating it.
func (f *Files) Put(ctx context.Context, dev device.Device, p string, data []byte, mode os.FileMode) error {
	start := time.Now()
	err := f.withSFTP(ctx, dev, "put", func(c *sftp.Client) error {
		file, err := c.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
		if err != nil {
			return err
		}
		if _, err := file.Write(data); err != nil {
			file.Close()
			return err
		}
		if err := file.Close(); err != nil {
			return err
		}
		if mode != 0 {
			return c.Chmod(p, mode)
		}
		return nil
	})
	if errors.Is(err, errdefs.ErrUnsupported) {
		_, err = f.mgr.Exec(ctx, dev, "cat > "+shellQuote(p), data)
		if err == nil && mode != 0 {
			_, err = f.mgr.Exec(ctx, dev, fmt.Sprintf("chmod %o %s", mode.Perm(), shellQuote(p)), nil)
		}
	}
	f.finish(dev, "put", p, int64(len(data)), start, err)
	return err
}

// Mkdir creates a remote directory and any missing parents.
func (f *Files) Mkdir(ctx context.Context, dev device.Device, p string) error {
	start := time.Now()
	err := f.withSFTP(ctx, dev, "mkdir", func(c *sftp.Client) error {
		return c.MkdirAll(p)
	})
	if errors.Is(err, errdefs.ErrUnsupported) {
		_, err = f.mgr.Exec(ctx, dev, "mkdir -p "+shellQuote(p), nil)
	}
	f.finish(dev, "mkdir", p, 0, start, err)
	return err
}

// Remove deletes a remote file or empty directory.
func (f *Files) Remove(ctx context.Context, dev device.Device, p string) error {
	start := time.Now()
	err := f.withSFTP(ctx, dev, "remove", func(c *sftp.Client) error {
		return c.Remove(p)
	})
	if errors.Is(err, errdefs.ErrUnsupported) {
		_, err = f.mgr.Exec(ctx, dev, "rm -f "+shellQuote(p), nil)
	}
	f.finish(dev, "remove", p, 0, start, err)
	return err
}

// shellQuote wraps a string in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}
