package device

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/webosbrew/dev-manager-desktop/internal/crypto"
	"github.com/webosbrew/dev-manager-desktop/internal/errdefs"
)

func TestAddr_DefaultPort(t *testing.T) {
	d := Device{Host: "192.168.1.5"}
	if got := d.Addr(); got != "192.168.1.5:9922" {
		t.Errorf("Addr() = %q", got)
	}
	d.Port = 22
	if got := d.Addr(); got != "192.168.1.5:22" {
		t.Errorf("Addr() = %q", got)
	}
}

func TestValidate(t *testing.T) {
	ok := Device{Name: "tv", Host: "10.0.0.2", Username: "prisoner"}
	if err := ok.Validate(); err != nil {
		t.Errorf("Validate(valid) = %v", err)
	}
	bad := []Device{
		{Host: "h", Username: "u"},
		{Name: "n", Username: "u"},
		{Name: "n", Host: "h"},
		{Name: "n", Host: "h", Username: "u", Port: 70000},
		{Name: "n", Host: "h", Username: "u", PrivateKey: &PrivateKey{}},
	}
	for _, d := range bad {
		if err := d.Validate(); err == nil {
			t.Errorf("Validate(%+v) = nil, want error", d)
		}
	}
}

func TestPrivateKeyContent(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "webos_tv"), []byte("PEM"), 0600); err != nil {
		t.Fatal(err)
	}

	got, err := (&PrivateKey{Path: "webos_tv"}).Content(dir)
	if err != nil || string(got) != "PEM" {
		t.Errorf("relative Content = %q, %v", got, err)
	}
	got, err = (&PrivateKey{Path: filepath.Join(dir, "webos_tv")}).Content("/nonexistent")
	if err != nil || string(got) != "PEM" {
		t.Errorf("absolute Content = %q, %v", got, err)
	}
	got, err = (&PrivateKey{Data: "INLINE"}).Content(dir)
	if err != nil || string(got) != "INLINE" {
		t.Errorf("inline Content = %q, %v", got, err)
	}
	if _, err := (&PrivateKey{Path: "missing"}).Content(dir); err == nil {
		t.Error("expected error for missing key file")
	}
}

func TestFileDirectory_PutListRemove(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "devices.yaml")
	dir := NewFileDirectory(path, nil)

	list, err := dir.List(ctx)
	if err != nil || len(list) != 0 {
		t.Fatalf("List on missing file = %v, %v", list, err)
	}

	if err := dir.Put(Device{Name: "tv", Host: "10.0.0.2", Username: "prisoner", Default: true}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := dir.Put(Device{Name: "emulator", Host: "127.0.0.1", Port: 6622, Username: "root", Default: true}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	list, err = dir.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].Name != "emulator" || list[1].Name != "tv" {
		t.Fatalf("List = %+v", list)
	}
	if !list[0].Default || list[1].Default {
		t.Errorf("only the last Put default should remain default: %+v", list)
	}

	if err := dir.Remove("tv"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := dir.Device(ctx, "tv"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("Device(removed) err = %v, want NotFound", err)
	}
	if err := dir.Remove("tv"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("Remove(missing) err = %v, want NotFound", err)
	}
}

func TestFileDirectory_DecryptsSecrets(t *testing.T) {
	key, err := crypto.ParseKey(crypto.GenerateKey())
	if err != nil {
		t.Fatal(err)
	}
	enc, err := crypto.Encrypt(key, "alpine")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "devices.yaml")
	content := "devices:\n" +
		"  - name: tv\n" +
		"    host: 10.0.0.2\n" +
		"    username: root\n" +
		"    password: \"" + enc + "\"\n" +
		"    privateKey:\n" +
		"      openSsh: webos_tv\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	d, err := NewFileDirectory(path, key).Device(context.Background(), "tv")
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	if d.Password != "alpine" {
		t.Errorf("Password = %q, want alpine", d.Password)
	}
	if d.PrivateKey == nil || d.PrivateKey.Path != "webos_tv" {
		t.Errorf("PrivateKey = %+v", d.PrivateKey)
	}

	if _, err := NewFileDirectory(path, nil).List(context.Background()); !errors.Is(err, crypto.ErrNoKey) {
		t.Errorf("List without key err = %v, want ErrNoKey", err)
	}
}

func TestStatic(t *testing.T) {
	s := NewStatic(Device{Name: "b"}, Device{Name: "a"})
	list, _ := s.List(context.Background())
	if len(list) != 2 || list[0].Name != "a" {
		t.Errorf("List = %+v", list)
	}
	if _, err := s.Device(context.Background(), "c"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("err = %v, want NotFound", err)
	}
}
