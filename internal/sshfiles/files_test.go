package sshfiles

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/webosbrew/dev-manager-desktop/internal/errdefs"
	"github.com/webosbrew/dev-manager-desktop/internal/session"
	"github.com/webosbrew/dev-manager-desktop/internal/sshpool"
	"github.com/webosbrew/dev-manager-desktop/internal/sshtest"
)

func newTestFiles(t *testing.T) *Files {
	t.Helper()
	m := session.NewManager(session.Config{Pool: sshpool.Config{Connect: sshpool.ConnectOptions{Timeout: 5 * time.Second}}}, nil)
	t.Cleanup(func() { m.Close(context.Background()) })
	return New(m)
}

func TestPutGetRoundTrip(t *testing.T) {
	root := t.TempDir()
	srv := sshtest.NewServer(t, sshtest.WithSFTP(root))
	f := newTestFiles(t)
	dev := srv.Device("tv")
	ctx := context.Background()

	target := filepath.Join(root, "app", "appinfo.json")
	if err := f.Mkdir(ctx, dev, filepath.Dir(target)); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	data := []byte(`{"id":"com.example.app"}`)
	if err := f.Put(ctx, dev, target, data, 0o640); err != nil {
		t.Fatalf("Put: %v", err)
	}

	onDisk, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(onDisk) != string(data) {
		t.Errorf("file content = %q", onDisk)
	}
	if fi, _ := os.Stat(target); fi.Mode().Perm() != 0o640 {
		t.Errorf("mode = %v, want 0640", fi.Mode().Perm())
	}

	got, err := f.Get(ctx, dev, target)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("Get = %q", got)
	}
}

func TestList(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "b.txt"), []byte("bb"), 0o644)
	os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644)
	os.Mkdir(filepath.Join(root, "z-dir"), 0o755)

	srv := sshtest.NewServer(t, sshtest.WithSFTP(root))
	f := newTestFiles(t)

	entries, err := f.List(context.Background(), srv.Device("tv"), root)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"z-dir", "a.txt", "b.txt"}
	if len(entries) != len(want) {
		t.Fatalf("List returned %d entries: %+v", len(entries), entries)
	}
	for i, name := range want {
		if entries[i].Name != name {
			t.Errorf("entries[%d] = %s, want %s", i, entries[i].Name, name)
		}
	}
	if !entries[0].IsDir {
		t.Error("z-dir should be a directory")
	}
	if entries[2].Size != 2 || entries[2].Path != filepath.Join(root, "b.txt") {
		t.Errorf("b.txt entry = %+v", entries[2])
	}
}

func TestStatAndRemove(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "victim")
	os.WriteFile(target, []byte("x"), 0o600)

	srv := sshtest.NewServer(t, sshtest.WithSFTP(root))
	f := newTestFiles(t)
	dev := srv.Device("tv")
	ctx := context.Background()

	entry, err := f.Stat(ctx, dev, target)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if entry.Name != "victim" || entry.IsDir || entry.Size != 1 {
		t.Errorf("Stat = %+v", entry)
	}

	if err := f.Remove(ctx, dev, target); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Error("file still present after Remove")
	}
	if _, err := f.Stat(ctx, dev, target); !errors.Is(err, errdefs.ErrIO) {
		t.Errorf("Stat of removed file = %v, want IO", err)
	}
}

func TestMissingFileKeepsConnection(t *testing.T) {
	root := t.TempDir()
	srv := sshtest.NewServer(t, sshtest.WithSFTP(root))
	f := newTestFiles(t)
	dev := srv.Device("tv")
	ctx := context.Background()

	_, err := f.Get(ctx, dev, filepath.Join(root, "nope"))
	var e *errdefs.Error
	if !errors.As(err, &e) || e.Kind != errdefs.KindIO || e.IOKind != "NotFound" {
		t.Fatalf("Get missing = %v, want IO(NotFound)", err)
	}
	if err := f.Mkdir(ctx, dev, filepath.Join(root, "d")); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if srv.Accepted() != 1 {
		t.Errorf("server accepted %d connections, want 1", srv.Accepted())
	}
}

func TestFallbackWithoutSFTP(t *testing.T) {
	srv := sshtest.NewServer(t)
	f := newTestFiles(t)
	dev := srv.Device("tv")
	ctx := context.Background()

	if _, err := f.List(ctx, dev, "/"); !errors.Is(err, errdefs.ErrUnsupported) {
		t.Errorf("List without sftp = %v, want Unsupported", err)
	}

	// The test server does not know mkdir, so the fallback surfaces its
	// exit status.
	err := f.Mkdir(ctx, dev, "/tmp/it's here")
	var e *errdefs.Error
	if !errors.As(err, &e) || e.Kind != errdefs.KindExitStatus || e.ExitCode != 127 {
		t.Fatalf("Mkdir = %v, want exit status 127", err)
	}
	execs := srv.Execs()
	if len(execs) != 1 || execs[0] != `mkdir -p '/tmp/it'\''s here'` {
		t.Errorf("execs = %q", execs)
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/media/developer", "'/media/developer'"},
		{"a b", "'a b'"},
		{"it's", `'it'\''s'`},
		{"", "''"},
	}
	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
