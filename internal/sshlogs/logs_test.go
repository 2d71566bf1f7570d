package sshlogs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/webosbrew/dev-manager-desktop/internal/errdefs"
	"github.com/webosbrew/dev-manager-desktop/internal/session"
	"github.com/webosbrew/dev-manager-desktop/internal/sshfiles"
	"github.com/webosbrew/dev-manager-desktop/internal/sshpool"
	"github.com/webosbrew/dev-manager-desktop/internal/sshtest"
)

// newTestLogs points the log types at files under dir.
func newTestLogs(t *testing.T, dir string) *Logs {
	t.Helper()
	m := session.NewManager(session.Config{Pool: sshpool.Config{Connect: sshpool.ConnectOptions{Timeout: 5 * time.Second}}}, nil)
	t.Cleanup(func() { m.Close(context.Background()) })
	l := New(m, sshfiles.New(m))
	l.paths = map[LogType]string{
		LogTypeSystem: filepath.Join(dir, "messages"),
		LogTypeLegacy: filepath.Join(dir, "legacy-log"),
	}
	return l
}

func collect(t *testing.T, lines <-chan string, n int) []string {
	t.Helper()
	var out []string
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case line, ok := <-lines:
			if !ok {
				return out
			}
			out = append(out, line)
		case <-timeout:
			t.Fatalf("timeout after %d lines: %v", len(out), out)
		}
	}
	return out
}

func TestResolvePath(t *testing.T) {
	l := New(nil, nil)
	tests := []struct {
		name    string
		opts    StreamOptions
		want    string
		wantErr bool
	}{
		{name: "default type", opts: StreamOptions{}, want: LogPathSystem},
		{name: "legacy", opts: StreamOptions{Type: LogTypeLegacy}, want: LogPathLegacy},
		{name: "path wins", opts: StreamOptions{Type: LogTypeLegacy, Path: "/tmp/../var/log/x"}, want: "/var/log/x"},
		{name: "relative path", opts: StreamOptions{Path: "var/log/x"}, wantErr: true},
		{name: "unknown type", opts: StreamOptions{Type: "kernel"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.ResolvePath(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStream_TailOnly(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "messages"), []byte("one\ntwo\nthree\nfour\n"), 0644)
	srv := sshtest.NewServer(t)
	l := newTestLogs(t, dir)

	lines, err := l.Stream(context.Background(), srv.Device("tv"), StreamOptions{Tail: 2})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	got := collect(t, lines, 10)
	if want := []string{"three", "four"}; !reflect.DeepEqual(got, want) {
		t.Errorf("lines = %v, want %v", got, want)
	}
	if execs := srv.Execs(); len(execs) != 1 || !strings.HasPrefix(execs[0], "tail -n 2 '") {
		t.Errorf("execs = %v", execs)
	}
}

func TestStream_FollowUntilCancel(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "messages")
	os.WriteFile(logFile, []byte("boot\n"), 0644)
	srv := sshtest.NewServer(t)
	l := newTestLogs(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lines, err := l.Stream(ctx, srv.Device("tv"), StreamOptions{Follow: true})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got := collect(t, lines, 1); got[0] != "boot" {
		t.Fatalf("first line = %q", got[0])
	}

	f, _ := os.OpenFile(logFile, os.O_APPEND|os.O_WRONLY, 0644)
	f.WriteString("app launched\n")
	f.Close()
	if got := collect(t, lines, 1); len(got) != 1 || got[0] != "app launched" {
		t.Fatalf("followed line = %v", got)
	}

	cancel()
	select {
	case _, ok := <-lines:
		for ok {
			_, ok = <-lines
		}
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(srv.Signals()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("tail was not interrupted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStream_MissingFileClosesChannel(t *testing.T) {
	srv := sshtest.NewServer(t)
	l := newTestLogs(t, t.TempDir())

	lines, err := l.Stream(context.Background(), srv.Device("tv"), StreamOptions{Type: LogTypeLegacy})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got := collect(t, lines, 1); len(got) != 0 {
		t.Errorf("lines = %v, want none", got)
	}
}

func TestAvailable(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "legacy-log"), []byte("x\n"), 0644)

	for _, tc := range []struct {
		name string
		opts []sshtest.Option
	}{
		{name: "sftp", opts: []sshtest.Option{sshtest.WithSFTP(dir)}},
		{name: "exec fallback"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			srv := sshtest.NewServer(t, tc.opts...)
			l := newTestLogs(t, dir)
			got, err := l.Available(context.Background(), srv.Device("tv"))
			if err != nil {
				t.Fatalf("Available: %v", err)
			}
			if want := []LogType{LogTypeLegacy}; !reflect.DeepEqual(got, want) {
				t.Errorf("got %v, want %v", got, want)
			}
		})
	}
}

func TestStream_AuthFailure(t *testing.T) {
	l := newTestLogs(t, t.TempDir())
	srv := sshtest.NewServer(t, sshtest.WithPassword("right"))
	dev := srv.Device("tv")
	dev.Password = "wrong"

	_, err := l.Stream(context.Background(), dev, StreamOptions{})
	var e *errdefs.Error
	if !errors.As(err, &e) || e.Kind != errdefs.KindAuthorization {
		t.Fatalf("err = %v, want Authorization", err)
	}
}
