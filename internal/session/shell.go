package session

import (
	"bytes"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/webosbrew/dev-manager-desktop/internal/device"
	"github.com/webosbrew/dev-manager-desktop/internal/errdefs"
	"github.com/webosbrew/dev-manager-desktop/internal/logging"
	"github.com/webosbrew/dev-manager-desktop/internal/sshaudit"
	"github.com/webosbrew/dev-manager-desktop/internal/sshpool"
	"github.com/webosbrew/dev-manager-desktop/internal/vt"
	"golang.org/x/crypto/ssh"
)

const (
	DefaultCols = 80
	DefaultRows = 24
	DefaultTerm = "xterm-256color"

	shellQueueSize = 64
)

// ShellOptions describe the terminal requested by ShellOpen.
type ShellOptions struct {
	Cols int
	Rows int
	// Dumb skips the PTY request.
	Dumb bool
	// Term is the TERM value sent with the PTY request.
	Term string
}

func (o ShellOptions) withDefaults() ShellOptions {
	if o.Cols <= 0 {
		o.Cols = DefaultCols
	}
	if o.Rows <= 0 {
		o.Rows = DefaultRows
	}
	if o.Term == "" {
		o.Term = DefaultTerm
	}
	return o
}

// ShellScreen is a snapshot of a shell's terminal. Data holds the full
// formatted screen when the requested width matches the terminal; Rows
// holds the re-wrapped history otherwise.
type ShellScreen struct {
	Data   string    `json:"data,omitempty"`
	Rows   []string  `json:"rows,omitempty"`
	Cursor vt.Cursor `json:"cursor"`
}

type windowSize struct {
	rows, cols int
}

// Shell is an interactive session on a device. The handle methods only
// queue work or read published state; the worker goroutine owns the SSH
// channel and a writer goroutine feeds its stdin.
type Shell struct {
	token     string
	dev       device.Device
	createdAt time.Time
	sink      ShellSink

	pool    *sshpool.Pool
	conn    *sshpool.Conn
	sess    *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader
	reg     *registry
	auditor *sshaudit.Auditor

	pty  atomic.Int32
	term *vt.Terminal

	input      chan stdinMsg
	resizes    chan windowSize
	closeReq   chan struct{}
	closing    atomic.Bool
	done       chan struct{}
	finishOnce sync.Once

	mu    sync.Mutex
	state ShellState
}

func (s *Shell) Token() string         { return s.token }
func (s *Shell) Device() device.Device { return s.dev }
func (s *Shell) CreatedAt() time.Time  { return s.createdAt }

// Done is closed once the shell has reached its final state.
func (s *Shell) Done() <-chan struct{} { return s.done }

// PTY returns the PTY flag.
func (s *Shell) PTY() PTYMode { return PTYMode(s.pty.Load()) }

func (s *Shell) State() ShellState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Title returns the title set by the remote side, or "user@host".
func (s *Shell) Title() string {
	if s.term != nil {
		if t := s.term.Title(); t != "" {
			return t
		}
	}
	return s.dev.Username + "@" + s.dev.HostOrName()
}

func (s *Shell) Info() ShellInfo {
	return ShellInfo{
		Token:     s.token,
		Device:    s.dev.Name,
		Title:     s.Title(),
		HasPTY:    s.PTY() == PTYYes,
		PTY:       s.PTY(),
		State:     s.State(),
		CreatedAt: s.createdAt,
	}
}

// Write queues input for the remote shell.
func (s *Shell) Write(data []byte) error {
	return enqueue(s, s.input, stdinMsg{data: bytes.Clone(data)})
}

// Resize resizes the local terminal at once and queues a window change.
func (s *Shell) Resize(rows, cols int) error {
	if s.PTY() != PTYYes {
		return errdefs.Unsupported("shell has no terminal")
	}
	if rows <= 0 || cols <= 0 {
		return errdefs.New(errdefs.KindMessage, "invalid terminal size")
	}
	if s.closing.Load() {
		return errdefs.Disconnected(nil)
	}
	s.term.Resize(rows, cols)
	return enqueue(s, s.resizes, windowSize{rows: rows, cols: cols})
}

// Screen renders the terminal for a viewer cols wide.
func (s *Shell) Screen(cols int) (ShellScreen, error) {
	if s.PTY() != PTYYes {
		return ShellScreen{}, errdefs.Unsupported("shell has no terminal")
	}
	if _, width := s.term.Size(); cols <= 0 || cols == width {
		row, col := s.term.Cursor()
		return ShellScreen{
			Data:   string(s.term.ContentsFormatted()),
			Cursor: vt.Cursor{Row: row, Col: col},
		}, nil
	}

	rows, cursor := s.term.RowsFormatted(cols)
	last := len(rows) - 1
	for last >= 0 && rows[last] == "" {
		last--
	}
	rows = rows[:last+1]
	for i := range rows {
		rows[i] += "\x1b[0m"
	}
	return ShellScreen{Rows: rows, Cursor: cursor}, nil
}

// Close asks the worker to close the channel and returns at once. The token
// stops resolving immediately; the final state is published when the worker
// ends.
func (s *Shell) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	s.reg.remove(s.token)
	close(s.closeReq)
	return nil
}

// enqueue hands m to the worker side of q, failing with Disconnected once
// the shell is closing.
func enqueue[T any](s *Shell, q chan<- T, m T) error {
	if s.closing.Load() {
		return errdefs.Disconnected(nil)
	}
	select {
	case <-s.done:
		return errdefs.Disconnected(nil)
	default:
	}
	select {
	case q <- m:
		return nil
	case <-s.closeReq:
		return errdefs.Disconnected(nil)
	case <-s.done:
		return errdefs.Disconnected(nil)
	}
}

func (s *Shell) setState(st ShellState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Shell) notify() {
	if s.sink != nil {
		s.sink.OnStateChanged(s.Info())
	}
}

func (s *Shell) run() {
	s.setState(ShellState{Kind: ShellConnected})
	s.notify()

	go pumpInput("[shell] "+s.token, s.stdin, s.input, s.done)
	chunks := pumpOutput(s.stdout, s.stderr)
	waitc := waitSession(s.sess)
	closeReq := s.closeReq

	var (
		waitErr   error
		closeSent bool
	)
	for waitc != nil || chunks != nil {
		select {
		case <-closeReq:
			closeReq = nil
			closeSent = true
			if err := s.sess.Close(); err != nil && !errors.Is(err, io.EOF) {
				log.Printf("[shell] %s: close: %v", s.token, err)
			}

		case w := <-s.resizes:
			if err := s.sess.WindowChange(w.rows, w.cols); err != nil {
				log.Printf("[shell] %s: window change: %v", s.token, err)
			}

		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			titleChanged := false
			if s.term != nil {
				titleChanged = s.term.Process(c.data)
			}
			if s.sink != nil {
				s.sink.OnData(c.fd, c.data)
			}
			if titleChanged {
				s.notify()
			}

		case err := <-waitc:
			waitc = nil
			waitErr = err
		}
	}

	s.finish(s.result(waitErr, closeSent))
}

func (s *Shell) result(err error, closeSent bool) ShellState {
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return ShellState{Kind: ShellExited}
	case errors.As(err, &exitErr):
		return ShellState{Kind: ShellExited, Code: exitErr.ExitStatus()}
	case closeSent, isExitMissing(err) && !lostTransport(s.conn):
		return ShellState{Kind: ShellExited, Code: ExitCodeUnknown}
	default:
		if s.conn.Disconnected() {
			err = errdefs.Disconnected(err)
		}
		return ShellState{Kind: ShellError, Detail: err.Error()}
	}
}

// finish releases the channel and lease, drops the token from the registry
// and publishes the final state. Only the first call has any effect.
func (s *Shell) finish(st ShellState) {
	s.finishOnce.Do(func() {
		s.closing.Store(true)
		s.sess.Close()
		if st.Kind == ShellExited && !s.conn.Disconnected() {
			s.conn.MarkOK()
		}
		s.pool.Put(s.conn)

		s.reg.remove(s.token)
		s.setState(st)
		close(s.done)
		s.notify()

		took := time.Since(s.createdAt)
		log.Printf("[shell] %s: %s on %s after %s", s.token, st, logging.Sanitize(s.dev.Name), took.Round(time.Millisecond))
		s.auditor.LogShellEnd(s.dev.Name, s.token, st.String(), took)
	})
}
