package sshlogs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"sync"

	"github.com/webosbrew/dev-manager-desktop/internal/device"
	"github.com/webosbrew/dev-manager-desktop/internal/errdefs"
	"github.com/webosbrew/dev-manager-desktop/internal/logging"
	"github.com/webosbrew/dev-manager-desktop/internal/session"
	"github.com/webosbrew/dev-manager-desktop/internal/sshfiles"
)

// Standard log file paths on the device.
const (
	LogPathSystem = "/var/log/messages"
	LogPathLegacy = "/var/log/legacy-log"
)

// LogType represents a named category of log stream.
type LogType string

const (
	LogTypeSystem LogType = "system"
	LogTypeLegacy LogType = "legacy"
)

// DefaultLogPaths maps each LogType to its default file path on the device.
var DefaultLogPaths = map[LogType]string{
	LogTypeSystem: LogPathSystem,
	LogTypeLegacy: LogPathLegacy,
}

// DefaultTail is the number of existing lines sent before following.
const DefaultTail = 100

// lineBuffer is how many lines a slow reader may fall behind.
const lineBuffer = 256

// StreamOptions selects what to stream. Path wins over Type.
type StreamOptions struct {
	Type   LogType
	Path   string
	Tail   int
	Follow bool
}

// Logs streams and discovers device logs.
type Logs struct {
	mgr   *session.Manager
	files *sshfiles.Files
	paths map[LogType]string
}

func New(mgr *session.Manager, files *sshfiles.Files) *Logs {
	return &Logs{mgr: mgr, files: files, paths: DefaultLogPaths}
}

// ResolvePath returns the file to stream, or an error for an unknown type
// or a relative path.
func (l *Logs) ResolvePath(opts StreamOptions) (string, error) {
	if opts.Path != "" {
		if !path.IsAbs(opts.Path) {
			return "", errdefs.New(errdefs.KindMessage, "log path must be absolute")
		}
		return path.Clean(opts.Path), nil
	}
	t := opts.Type
	if t == "" {
		t = LogTypeSystem
	}
	p, ok := l.paths[t]
	if !ok {
		return "", errdefs.NotFound(fmt.Sprintf("log type %q", t))
	}
	return p, nil
}

// Stream starts tailing a log file and returns its lines.
//
// The channel is closed when ctx is cancelled, the command ends, or the
// connection drops. Cancelling ctx interrupts the remote tail.
func (l *Logs) Stream(ctx context.Context, dev device.Device, opts StreamOptions) (<-chan string, error) {
	p, err := l.ResolvePath(opts)
	if err != nil {
		return nil, err
	}
	tail := opts.Tail
	if tail <= 0 {
		tail = DefaultTail
	}
	cmd := fmt.Sprintf("tail -n %d", tail)
	if opts.Follow {
		cmd += " -F" // -F follows by name (handles log rotation)
	}
	cmd += " " + shellQuote(p)

	proc, err := l.mgr.Spawn(ctx, dev, cmd)
	if err != nil {
		return nil, err
	}
	sink := &lineSink{ctx: ctx, lines: make(chan string, lineBuffer), path: p}
	proc.Attach(sink)
	proc.Ready()
	if err := proc.Start(ctx); err != nil {
		proc.Interrupt()
		return nil, err
	}
	log.Printf("[sshlogs] %s: streaming %s (tail=%d follow=%v)", logging.Sanitize(dev.Name), p, tail, opts.Follow)

	go func() {
		select {
		case <-ctx.Done():
			proc.Interrupt()
		case <-proc.Done():
		}
	}()
	return sink.lines, nil
}

// lineSink splits stdout into lines. Stderr is logged.
type lineSink struct {
	ctx   context.Context
	lines chan string
	path  string

	partial   []byte
	closeOnce sync.Once
}

func (s *lineSink) OnData(fd int, data []byte) {
	if fd == session.Stderr {
		log.Printf("[sshlogs] %s: %s", s.path, logging.Sanitize(strings.TrimSpace(string(data))))
		return
	}
	s.partial = append(s.partial, data...)
	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i < 0 {
			return
		}
		line := strings.TrimSuffix(string(s.partial[:i]), "\r")
		s.partial = s.partial[i+1:]
		if !s.send(line) {
			return
		}
	}
}

func (s *lineSink) send(line string) bool {
	select {
	case s.lines <- line:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *lineSink) OnStateChanged(st session.ProcStatus) {
	if !st.Done() {
		return
	}
	s.closeOnce.Do(func() {
		if len(s.partial) > 0 {
			s.send(string(s.partial))
			s.partial = nil
		}
		if st.Kind == session.ProcExited && st.Code != 0 {
			log.Printf("[sshlogs] %s: tail exited with status %d", s.path, st.Code)
		} else if st.Kind == session.ProcFailed {
			log.Printf("[sshlogs] %s: stream failed: %v", s.path, st.Err)
		}
		close(s.lines)
	})
}

// Available returns the log types whose file exists on the device, system
// first.
func (l *Logs) Available(ctx context.Context, dev device.Device) ([]LogType, error) {
	var found []LogType
	for _, t := range []LogType{LogTypeSystem, LogTypeLegacy} {
		ok, err := l.exists(ctx, dev, l.paths[t])
		if err != nil {
			return nil, err
		}
		if ok {
			found = append(found, t)
		}
	}
	return found, nil
}

// exists stats p over SFTP, or runs "test -f" where SFTP is unavailable.
func (l *Logs) exists(ctx context.Context, dev device.Device, p string) (bool, error) {
	entry, err := l.files.Stat(ctx, dev, p)
	if err == nil {
		return !entry.IsDir, nil
	}
	var e *errdefs.Error
	if !errors.As(err, &e) {
		return false, err
	}
	switch e.Kind {
	case errdefs.KindIO:
		if e.IOKind == "NotFound" || e.IOKind == "PermissionDenied" {
			return false, nil
		}
	case errdefs.KindUnsupported:
		_, xerr := l.mgr.Exec(ctx, dev, "test -f "+shellQuote(p), nil)
		switch {
		case xerr == nil:
			return true, nil
		case errdefs.KindOf(xerr) == errdefs.KindExitStatus:
			return false, nil
		}
		return false, xerr
	}
	return false, err
}

// shellQuote wraps a string in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}
