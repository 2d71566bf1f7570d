// Package session is the façade over the per-device connection pools. It
// runs one-shot commands, spawns streaming processes and keeps interactive
// shells, retrying operations that fail because a pooled connection turned
// out to be dead.
package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webosbrew/dev-manager-desktop/internal/device"
	"github.com/webosbrew/dev-manager-desktop/internal/errdefs"
	"github.com/webosbrew/dev-manager-desktop/internal/logging"
	"github.com/webosbrew/dev-manager-desktop/internal/sshaudit"
	"github.com/webosbrew/dev-manager-desktop/internal/sshpool"
	"github.com/webosbrew/dev-manager-desktop/internal/vt"
	"golang.org/x/crypto/ssh"
)

// Config configures a Manager. Zero values take defaults.
type Config struct {
	// Pool is the template for every device pool. Events and Auditor are
	// filled in by the manager.
	Pool          sshpool.Config
	RetryAttempts int
	Scrollback    int

	// TombstoneTTL is how long closed shell tokens answer Disconnected.
	TombstoneTTL time.Duration
	// KeepaliveEvery and ReapEvery drive the janitor. Zero disables the job.
	KeepaliveEvery time.Duration
	ReapEvery      time.Duration
}

const DefaultTombstoneTTL = 10 * time.Minute

// ExecOutput is the captured output of a successful command.
type ExecOutput struct {
	Stdout []byte `json:"stdout"`
	Stderr []byte `json:"stderr"`
}

type poolEntry struct {
	dev  device.Device
	pool *sshpool.Pool
}

// Manager owns one pool per device name and all shells.
type Manager struct {
	cfg     Config
	events  *sshpool.EventLog
	auditor *sshaudit.Auditor
	shells  *registry

	mu     sync.Mutex
	pools  map[string]*poolEntry
	closed bool

	janitor *janitor
}

// NewManager creates a manager. auditor may be nil.
func NewManager(cfg Config, auditor *sshaudit.Auditor) *Manager {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.Scrollback <= 0 {
		cfg.Scrollback = vt.DefaultScrollback
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = DefaultTombstoneTTL
	}
	events := sshpool.NewEventLog()
	cfg.Pool.Events = events
	cfg.Pool.Auditor = auditor
	return &Manager{
		cfg:     cfg,
		events:  events,
		auditor: auditor,
		shells:  newRegistry(),
		pools:   make(map[string]*poolEntry),
	}
}

// Events returns the connection event log shared by all pools.
func (m *Manager) Events() *sshpool.EventLog { return m.events }

// Auditor returns the audit log, which may be nil.
func (m *Manager) Auditor() *sshaudit.Auditor { return m.auditor }

// Pool returns the pool for dev, creating it on first use. A device whose
// connection settings changed gets a fresh pool.
func (m *Manager) Pool(dev device.Device) (*sshpool.Pool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errdefs.Disconnected(errors.New("session manager closed"))
	}
	e, ok := m.pools[dev.Name]
	if ok && reflect.DeepEqual(e.dev, dev) {
		m.mu.Unlock()
		return e.pool, nil
	}
	var stale *sshpool.Pool
	if ok {
		stale = e.pool
	}
	p := sshpool.New(dev, m.cfg.Pool)
	m.pools[dev.Name] = &poolEntry{dev: dev, pool: p}
	m.mu.Unlock()

	if stale != nil {
		log.Printf("[session-mgr] %s: device settings changed, replacing pool", logging.Sanitize(dev.Name))
		stale.Close()
	}
	return p, nil
}

func (m *Manager) lease(ctx context.Context, dev device.Device) (*sshpool.Pool, *sshpool.Conn, error) {
	p, err := m.Pool(dev)
	if err != nil {
		return nil, nil, err
	}
	c, err := p.Get(ctx)
	if err != nil {
		return nil, nil, err
	}
	return p, c, nil
}

// WithConnection leases a connection, runs fn on it and returns it to the
// pool, marking it healthy when fn succeeds. Transient failures are retried
// on a fresh connection.
func (m *Manager) WithConnection(ctx context.Context, dev device.Device, op string, fn func(*sshpool.Conn) error) error {
	_, err := retry(ctx, m.cfg.RetryAttempts, op, dev.Name, func() (struct{}, error) {
		p, c, err := m.lease(ctx, dev)
		if err != nil {
			return struct{}{}, err
		}
		defer p.Put(c)
		if err := fn(c); err != nil {
			if c.Disconnected() && !errors.Is(err, errdefs.ErrDisconnected) {
				err = errdefs.Disconnected(err)
			}
			return struct{}{}, err
		}
		c.MarkOK()
		return struct{}{}, nil
	})
	return err
}

// Exec runs command to completion, feeding it stdin when non-nil. A
// non-zero exit yields an ExitStatus error carrying stderr.
func (m *Manager) Exec(ctx context.Context, dev device.Device, command string, stdin []byte) (ExecOutput, error) {
	start := time.Now()
	out, err := retry(ctx, m.cfg.RetryAttempts, "exec", dev.Name, func() (ExecOutput, error) {
		return m.execOnce(ctx, dev, command, stdin)
	})
	m.auditor.LogCommand(dev.Name, dev.Username, command, err, time.Since(start))
	return out, err
}

func (m *Manager) execOnce(ctx context.Context, dev device.Device, command string, stdin []byte) (ExecOutput, error) {
	p, c, err := m.lease(ctx, dev)
	if err != nil {
		return ExecOutput{}, err
	}
	defer p.Put(c)

	sess, err := c.NewSession()
	if err != nil {
		return ExecOutput{}, err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if stdin != nil {
		sess.Stdin = bytes.NewReader(stdin)
	}
	stop := context.AfterFunc(ctx, func() { sess.Close() })
	defer stop()

	err = sess.Run(command)
	if ctx.Err() != nil {
		return ExecOutput{}, errdefs.Classify(ctx.Err())
	}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		c.MarkOK()
		return ExecOutput{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
	case errors.As(err, &exitErr):
		c.MarkOK()
		return ExecOutput{}, errdefs.ExitStatus(command, exitErr.ExitStatus(), stderr.Bytes())
	case c.Disconnected():
		return ExecOutput{}, errdefs.Disconnected(err)
	case isExitMissing(err):
		if lostTransport(c) {
			return ExecOutput{}, errdefs.Disconnected(err)
		}
		return ExecOutput{}, errdefs.IO("ExitMissing", err)
	default:
		return ExecOutput{}, errdefs.Classify(err)
	}
}

// Spawn opens a channel for command. The command runs once the returned
// proc is made ready and started.
func (m *Manager) Spawn(ctx context.Context, dev device.Device, command string) (*Proc, error) {
	return retry(ctx, m.cfg.RetryAttempts, "spawn", dev.Name, func() (*Proc, error) {
		return m.spawnOnce(ctx, dev, command)
	})
}

func (m *Manager) spawnOnce(ctx context.Context, dev device.Device, command string) (*Proc, error) {
	p, c, err := m.lease(ctx, dev)
	if err != nil {
		return nil, err
	}
	sess, err := c.NewSession()
	if err != nil {
		p.Put(c)
		return nil, err
	}
	stdin, stdout, stderr, err := pipes(sess)
	if err != nil {
		sess.Close()
		p.Put(c)
		return nil, errdefs.Classify(err)
	}
	proc := &Proc{
		id:        uuid.NewString(),
		command:   command,
		dev:       dev,
		pool:      p,
		conn:      c,
		sess:      sess,
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
		auditor:   m.auditor,
		ready:     make(chan struct{}),
		interrupt: make(chan struct{}),
		queue:     make(chan stdinMsg, shellQueueSize),
		done:      make(chan struct{}),
	}
	proc.status = ProcStatus{ID: proc.id, Command: command, Kind: ProcPending}
	return proc, nil
}

// ShellOpen opens an interactive shell and registers it. A PTY is requested
// unless opts.Dumb is set; when the device refuses one the shell runs
// without a terminal and its PTY flag is false.
func (m *Manager) ShellOpen(ctx context.Context, dev device.Device, opts ShellOptions, sink ShellSink) (*Shell, error) {
	opts = opts.withDefaults()
	s, err := retry(ctx, m.cfg.RetryAttempts, "shell", dev.Name, func() (*Shell, error) {
		return m.openShell(ctx, dev, opts, sink)
	})
	if err != nil {
		m.auditor.LogShellStart(dev.Name, dev.Username, "", false)
		return nil, err
	}
	m.shells.insert(s)
	log.Printf("[shell] %s: opened on %s (pty=%t)", s.token, logging.Sanitize(dev.Name), s.PTY() == PTYYes)
	m.auditor.LogShellStart(dev.Name, dev.Username, s.token, s.PTY() == PTYYes)
	go s.run()
	return s, nil
}

func (m *Manager) openShell(ctx context.Context, dev device.Device, opts ShellOptions, sink ShellSink) (*Shell, error) {
	p, c, err := m.lease(ctx, dev)
	if err != nil {
		return nil, err
	}
	sess, err := c.NewSession()
	if err != nil {
		p.Put(c)
		return nil, err
	}
	fail := func(err error) (*Shell, error) {
		sess.Close()
		p.Put(c)
		if c.Disconnected() {
			return nil, errdefs.Disconnected(err)
		}
		return nil, errdefs.Classify(err)
	}

	s := &Shell{
		token:     uuid.NewString(),
		dev:       dev,
		createdAt: time.Now(),
		sink:      sink,
		pool:      p,
		conn:      c,
		sess:      sess,
		reg:       m.shells,
		auditor:   m.auditor,
		input:     make(chan stdinMsg, shellQueueSize),
		resizes:   make(chan windowSize, shellQueueSize),
		closeReq:  make(chan struct{}),
		done:      make(chan struct{}),
		state:     ShellState{Kind: ShellConnecting},
	}
	s.notify()

	mode := PTYNo
	if !opts.Dumb {
		modes := ssh.TerminalModes{
			ssh.ECHO:          1,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		if err := sess.RequestPty(opts.Term, opts.Rows, opts.Cols, modes); err == nil {
			mode = PTYYes
		} else if c.Disconnected() {
			return fail(err)
		} else {
			log.Printf("[shell] %s: pty refused, using plain shell: %v", logging.Sanitize(dev.Name), err)
		}
	}

	stdin, stdout, stderr, err := pipes(sess)
	if err != nil {
		return fail(err)
	}
	if err := sess.Shell(); err != nil {
		return fail(err)
	}

	s.stdin, s.stdout, s.stderr = stdin, stdout, stderr
	s.pty.Store(int32(mode))
	if mode == PTYYes {
		s.term = vt.New(opts.Rows, opts.Cols, m.cfg.Scrollback)
	}
	return s, nil
}

func pipes(sess *ssh.Session) (stdin io.WriteCloser, stdout, stderr io.Reader, err error) {
	if stdin, err = sess.StdinPipe(); err != nil {
		return
	}
	if stdout, err = sess.StdoutPipe(); err != nil {
		return
	}
	stderr, err = sess.StderrPipe()
	return
}

// Shell looks up a live shell. Recently closed tokens yield Disconnected,
// unknown ones NotFound.
func (m *Manager) Shell(token string) (*Shell, error) {
	return m.shells.get(token)
}

func (m *Manager) ShellWrite(token string, data []byte) error {
	s, err := m.shells.get(token)
	if err != nil {
		return err
	}
	return s.Write(data)
}

func (m *Manager) ShellResize(token string, rows, cols int) error {
	s, err := m.shells.get(token)
	if err != nil {
		return err
	}
	return s.Resize(rows, cols)
}

func (m *Manager) ShellScreen(token string, cols int) (ShellScreen, error) {
	s, err := m.shells.get(token)
	if err != nil {
		return ShellScreen{}, err
	}
	return s.Screen(cols)
}

// ShellClose closes a shell. Closing an already closed token is not an
// error.
func (m *Manager) ShellClose(token string) error {
	s, err := m.shells.get(token)
	if errors.Is(err, errdefs.ErrDisconnected) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.Close()
}

// ShellList returns the live shells ordered by creation time.
func (m *Manager) ShellList() []ShellInfo {
	shells := m.shells.list()
	out := make([]ShellInfo, len(shells))
	for i, s := range shells {
		out[i] = s.Info()
	}
	return out
}

// Stats returns a snapshot of every pool, sorted by device name.
func (m *Manager) Stats() []sshpool.Stats {
	m.mu.Lock()
	pools := make([]*sshpool.Pool, 0, len(m.pools))
	for _, e := range m.pools {
		pools = append(pools, e.pool)
	}
	m.mu.Unlock()

	out := make([]sshpool.Stats, len(pools))
	for i, p := range pools {
		out[i] = p.Stats()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out
}

// CloseDevice closes every shell of the named device and drains its pool.
func (m *Manager) CloseDevice(name string) {
	for _, s := range m.shells.forDevice(name) {
		s.Close()
	}
	m.mu.Lock()
	e, ok := m.pools[name]
	delete(m.pools, name)
	m.mu.Unlock()
	if ok {
		e.pool.Close()
	}
	log.Printf("[session-mgr] %s: closed shells and pool", logging.Sanitize(name))
}

func (m *Manager) allPools() []*sshpool.Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*sshpool.Pool, 0, len(m.pools))
	for _, e := range m.pools {
		out = append(out, e.pool)
	}
	return out
}

// Close stops the janitor, closes every shell and pool, and waits up to
// ctx for shells to finish.
func (m *Manager) Close(ctx context.Context) {
	m.Stop()

	shells := m.shells.list()
	for _, s := range shells {
		s.Close()
	}
	for _, s := range shells {
		select {
		case <-s.Done():
		case <-ctx.Done():
		}
	}

	m.mu.Lock()
	m.closed = true
	pools := m.pools
	m.pools = make(map[string]*poolEntry)
	m.mu.Unlock()
	for _, e := range pools {
		e.pool.Close()
	}
}
