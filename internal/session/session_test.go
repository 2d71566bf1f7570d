package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/webosbrew/dev-manager-desktop/internal/errdefs"
	"github.com/webosbrew/dev-manager-desktop/internal/sshpool"
	"github.com/webosbrew/dev-manager-desktop/internal/sshtest"
	"github.com/webosbrew/dev-manager-desktop/internal/vt"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.Pool.Connect.Timeout == 0 {
		cfg.Pool.Connect.Timeout = 5 * time.Second
	}
	m := NewManager(cfg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Close(ctx)
	})
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type procCapture struct {
	mu       sync.Mutex
	out      [2]bytes.Buffer
	statuses []ProcStatus
}

func (c *procCapture) OnData(fd int, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out[fd].Write(data)
}

func (c *procCapture) OnStateChanged(s ProcStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = append(c.statuses, s)
}

func (c *procCapture) output(fd int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out[fd].String()
}

type shellCapture struct {
	mu    sync.Mutex
	out   bytes.Buffer
	infos []ShellInfo
}

func (c *shellCapture) OnData(_ int, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out.Write(data)
}

func (c *shellCapture) OnStateChanged(info ShellInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.infos = append(c.infos, info)
}

func (c *shellCapture) output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}

func (c *shellCapture) finals() []ShellInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ShellInfo
	for _, info := range c.infos {
		if info.State.Terminal() {
			out = append(out, info)
		}
	}
	return out
}

func (c *shellCapture) titles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, info := range c.infos {
		out = append(out, info.Title)
	}
	return out
}

// --- exec ---

func TestExec_CapturesStdout(t *testing.T) {
	srv := sshtest.NewServer(t)
	m := newTestManager(t, Config{})

	out, err := m.Exec(context.Background(), srv.Device("tv"), "echo hello world", nil)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if string(out.Stdout) != "hello world\n" {
		t.Errorf("stdout = %q", out.Stdout)
	}
}

func TestExec_FeedsStdin(t *testing.T) {
	srv := sshtest.NewServer(t)
	m := newTestManager(t, Config{})

	out, err := m.Exec(context.Background(), srv.Device("tv"), "cat", []byte("payload"))
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if string(out.Stdout) != "payload" {
		t.Errorf("stdout = %q, want %q", out.Stdout, "payload")
	}
}

func TestExec_NonZeroExitCarriesStderr(t *testing.T) {
	srv := sshtest.NewServer(t)
	m := newTestManager(t, Config{})
	dev := srv.Device("tv")

	out, err := m.Exec(context.Background(), dev, "fail 3 no such package", nil)
	if !errors.Is(err, errdefs.ErrExitStatus) {
		t.Fatalf("err = %v, want ExitStatus", err)
	}
	var e *errdefs.Error
	errors.As(err, &e)
	if e.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", e.ExitCode)
	}
	if string(e.Stderr) != "no such package" {
		t.Errorf("stderr = %q", e.Stderr)
	}
	if out.Stdout != nil {
		t.Errorf("stdout should be discarded, got %q", out.Stdout)
	}

	// A command failing is not a connection failure.
	if _, err := m.Exec(context.Background(), dev, "echo again", nil); err != nil {
		t.Fatalf("second Exec: %v", err)
	}
	if srv.Accepted() != 1 {
		t.Errorf("server accepted %d connections, want 1", srv.Accepted())
	}
}

func TestExec_MissingExitStatus(t *testing.T) {
	srv := sshtest.NewServer(t)
	m := newTestManager(t, Config{})

	_, err := m.Exec(context.Background(), srv.Device("tv"), "vanish", nil)
	var e *errdefs.Error
	if !errors.As(err, &e) || e.Kind != errdefs.KindIO || e.IOKind != "ExitMissing" {
		t.Fatalf("err = %v, want IO(ExitMissing)", err)
	}
}

func TestExec_RecoversFromDroppedConnection(t *testing.T) {
	srv := sshtest.NewServer(t)
	m := newTestManager(t, Config{})
	dev := srv.Device("tv")
	ctx := context.Background()

	if _, err := m.Exec(ctx, dev, "echo one", nil); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	srv.DisconnectAll()
	waitFor(t, "server side close", func() bool { return srv.Active() == 0 })

	out, err := m.Exec(ctx, dev, "echo two", nil)
	if err != nil {
		t.Fatalf("Exec after disconnect: %v", err)
	}
	if string(out.Stdout) != "two\n" {
		t.Errorf("stdout = %q", out.Stdout)
	}
	if srv.Accepted() != 2 {
		t.Errorf("server accepted %d connections, want 2", srv.Accepted())
	}
}

func TestExec_AuthorizationIsNotRetried(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.WithPassword("alpine"))
	m := newTestManager(t, Config{})
	dev := srv.Device("tv")
	dev.Password = "wrong"

	_, err := m.Exec(context.Background(), dev, "echo hi", nil)
	if !errors.Is(err, errdefs.ErrAuthorization) {
		t.Fatalf("err = %v, want Authorization", err)
	}
	h := m.Events().History("tv")
	failed := 0
	for _, e := range h {
		if e.Type == sshpool.EventConnectFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("recorded %d connect failures, want 1", failed)
	}
}

func TestExec_MaxSizeOneSerializes(t *testing.T) {
	srv := sshtest.NewServer(t)
	m := newTestManager(t, Config{Pool: sshpool.Config{MaxSize: 1}})
	dev := srv.Device("tv")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Exec(context.Background(), dev, "echo x", nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Exec: %v", err)
		}
	}
	if srv.Peak() != 1 {
		t.Errorf("peak connections = %d, want 1", srv.Peak())
	}
}

func TestExec_PoolNeverExceedsMaxSize(t *testing.T) {
	srv := sshtest.NewServer(t)
	m := newTestManager(t, Config{Pool: sshpool.Config{MaxSize: 3}})
	dev := srv.Device("tv")

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Exec(context.Background(), dev, "sleep 0", nil); err != nil {
				t.Errorf("Exec: %v", err)
			}
		}()
	}
	wg.Wait()
	if srv.Peak() > 3 {
		t.Errorf("peak connections = %d, want <= 3", srv.Peak())
	}
}

// --- spawn ---

func TestSpawn_RunsOnlyAfterReady(t *testing.T) {
	srv := sshtest.NewServer(t)
	m := newTestManager(t, Config{})
	ctx := context.Background()

	p, err := m.Spawn(ctx, srv.Device("tv"), "stream 3")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if len(srv.Execs()) != 0 {
		t.Fatal("command issued before Start")
	}

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := p.Start(short); !errors.Is(err, errdefs.ErrTimeout) {
		t.Fatalf("Start before Ready = %v, want Timeout", err)
	}
	if len(srv.Execs()) != 0 {
		t.Fatal("command issued without Ready")
	}

	sink := &procCapture{}
	p.Attach(sink)
	p.Ready()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st, err := p.WaitClose(ctx)
	if err != nil {
		t.Fatalf("WaitClose: %v", err)
	}
	if st.Kind != ProcExited || st.Code != 0 {
		t.Errorf("final status = %+v, want exit 0", st)
	}
	if got := sink.output(Stdout); got != "out 1\nout 2\nout 3\n" {
		t.Errorf("stdout = %q", got)
	}
	if got := sink.output(Stderr); got != "err 1\nerr 2\nerr 3\n" {
		t.Errorf("stderr = %q", got)
	}
}

func TestSpawn_ExitCode(t *testing.T) {
	srv := sshtest.NewServer(t)
	m := newTestManager(t, Config{})
	ctx := context.Background()

	p, err := m.Spawn(ctx, srv.Device("tv"), "exit 7")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	p.Attach(&procCapture{})
	p.Ready()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st, _ := p.WaitClose(ctx)
	if st.Kind != ProcExited || st.Code != 7 {
		t.Errorf("final status = %+v, want exit 7", st)
	}
}

func TestSpawn_InterruptReportsSignal(t *testing.T) {
	for _, command := range []string{"sleep 5", "sleep-quiet 5"} {
		t.Run(command, func(t *testing.T) {
			srv := sshtest.NewServer(t)
			m := newTestManager(t, Config{})
			ctx := context.Background()

			p, err := m.Spawn(ctx, srv.Device("tv"), command)
			if err != nil {
				t.Fatalf("Spawn: %v", err)
			}
			sink := &procCapture{}
			p.Attach(sink)
			p.Ready()
			if err := p.Start(ctx); err != nil {
				t.Fatalf("Start: %v", err)
			}
			waitFor(t, "exec", func() bool { return len(srv.Execs()) == 1 })

			p.Interrupt()
			st, err := p.WaitClose(ctx)
			if err != nil {
				t.Fatalf("WaitClose: %v", err)
			}
			if st.Kind != ProcSignal || st.Signal != "TERM" {
				t.Errorf("final status = %+v, want signal TERM", st)
			}
			if sig := srv.Signals(); len(sig) != 1 || sig[0] != "TERM" {
				t.Errorf("server saw signals %v", sig)
			}
		})
	}
}

func TestSpawn_StdinThroughQueue(t *testing.T) {
	srv := sshtest.NewServer(t)
	m := newTestManager(t, Config{})
	ctx := context.Background()

	p, err := m.Spawn(ctx, srv.Device("tv"), "cat")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	sink := &procCapture{}
	p.Attach(sink)
	p.Ready()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Write([]byte("hello ")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := p.Write([]byte("proc")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := p.CloseStdin(); err != nil {
		t.Fatalf("CloseStdin: %v", err)
	}
	st, _ := p.WaitClose(ctx)
	if st.Kind != ProcExited {
		t.Errorf("final status = %+v", st)
	}
	if got := sink.output(Stdout); got != "hello proc" {
		t.Errorf("stdout = %q", got)
	}
	if err := p.Write([]byte("late")); !errors.Is(err, errdefs.ErrDisconnected) {
		t.Errorf("Write after exit = %v, want Disconnected", err)
	}
}

func TestSpawn_InterruptBeforeStartReleasesLease(t *testing.T) {
	srv := sshtest.NewServer(t)
	m := newTestManager(t, Config{})
	ctx := context.Background()
	dev := srv.Device("tv")

	p, err := m.Spawn(ctx, dev, "echo never")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	p.Interrupt()
	if st := p.Status(); st.Kind != ProcClosed {
		t.Errorf("status = %+v, want closed", st)
	}
	p.Ready()
	if err := p.Start(ctx); !errors.Is(err, errdefs.ErrDisconnected) {
		t.Errorf("Start after Interrupt = %v, want Disconnected", err)
	}
	if len(srv.Execs()) != 0 {
		t.Error("command ran after Interrupt")
	}
	stats := m.Stats()
	if len(stats) != 1 || stats[0].Leased != 0 || stats[0].Idle != 1 {
		t.Errorf("stats = %+v, want the connection back in the pool", stats)
	}
}

func TestSpawn_InterruptWithStdinBackedUp(t *testing.T) {
	srv := sshtest.NewServer(t)
	m := newTestManager(t, Config{})
	ctx := context.Background()

	// sleep never reads stdin, so the channel window fills up.
	p, err := m.Spawn(ctx, srv.Device("tv"), "sleep 30")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	p.Attach(&procCapture{})
	p.Ready()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "exec", func() bool { return len(srv.Execs()) == 1 })

	chunk := bytes.Repeat([]byte("y"), 512*1024)
	for i := 0; i < 8; i++ {
		if err := p.Write(chunk); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	p.Interrupt()
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	st, err := p.WaitClose(wctx)
	if err != nil {
		t.Fatalf("WaitClose: %v (signals %v)", err, srv.Signals())
	}
	if st.Kind != ProcSignal || st.Signal != "TERM" {
		t.Errorf("final status = %+v, want signal TERM", st)
	}
	if sig := srv.Signals(); len(sig) != 1 || sig[0] != "TERM" {
		t.Errorf("server saw signals %v", sig)
	}
}

func TestSpawn_InterruptRacingStart(t *testing.T) {
	srv := sshtest.NewServer(t)
	m := newTestManager(t, Config{})
	ctx := context.Background()

	started := 0
	for i := 0; i < 20; i++ {
		p, err := m.Spawn(ctx, srv.Device("tv"), "echo race")
		if err != nil {
			t.Fatalf("Spawn: %v", err)
		}
		p.Attach(&procCapture{})
		p.Ready()
		errc := make(chan error, 1)
		go func() { errc <- p.Start(ctx) }()
		p.Interrupt()
		startErr := <-errc

		st, err := p.WaitClose(ctx)
		if err != nil {
			t.Fatalf("WaitClose: %v", err)
		}
		switch {
		case startErr == nil:
			started++
			if st.Kind == ProcClosed {
				t.Fatalf("run %d: command launched but reported %+v", i, st)
			}
		case !errors.Is(startErr, errdefs.ErrDisconnected):
			t.Fatalf("run %d: Start = %v", i, startErr)
		case st.Kind != ProcClosed:
			t.Fatalf("run %d: not started but reported %+v", i, st)
		}
	}
	if n := len(srv.Execs()); n != started {
		t.Errorf("server ran %d commands, %d Starts succeeded", n, started)
	}
}

func TestProc_DataWithoutSink(t *testing.T) {
	p := &Proc{}
	if err := p.data(Stdout, []byte("x")); !errors.Is(err, errdefs.ErrDisconnected) {
		t.Errorf("data without sink = %v, want Disconnected", err)
	}
}

// --- shells ---

func openShell(t *testing.T, m *Manager, srv *sshtest.Server, opts ShellOptions) (*Shell, *shellCapture) {
	t.Helper()
	sink := &shellCapture{}
	s, err := m.ShellOpen(context.Background(), srv.Device("tv"), opts, sink)
	if err != nil {
		t.Fatalf("ShellOpen: %v", err)
	}
	return s, sink
}

func TestShellOpen_WithPTY(t *testing.T) {
	srv := sshtest.NewServer(t)
	m := newTestManager(t, Config{})

	s, sink := openShell(t, m, srv, ShellOptions{Cols: 80, Rows: 24})
	info := s.Info()
	if !info.HasPTY {
		t.Error("HasPTY = false, want true")
	}
	if info.Title != "prisoner@127.0.0.1" {
		t.Errorf("Title = %q", info.Title)
	}
	waitFor(t, "banner", func() bool { return strings.Contains(sink.output(), "PTY:true") })

	list := m.ShellList()
	if len(list) != 1 || list[0].Token != s.Token() {
		t.Errorf("ShellList = %+v", list)
	}
	waitFor(t, "connected", func() bool { return s.State().Kind == ShellConnected })
}

func TestShellOpen_RefusedPTYFallsBack(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.WithoutPTY())
	m := newTestManager(t, Config{})

	s, sink := openShell(t, m, srv, ShellOptions{Cols: 80, Rows: 24})
	if s.Info().HasPTY {
		t.Error("HasPTY = true after refusal")
	}
	waitFor(t, "banner", func() bool { return strings.Contains(sink.output(), "PTY:false") })

	if err := m.ShellResize(s.Token(), 30, 100); !errors.Is(err, errdefs.ErrUnsupported) {
		t.Errorf("Resize = %v, want Unsupported", err)
	}
	if _, err := m.ShellScreen(s.Token(), 80); !errors.Is(err, errdefs.ErrUnsupported) {
		t.Errorf("Screen = %v, want Unsupported", err)
	}
	if err := m.ShellWrite(s.Token(), []byte("hi\n")); err != nil {
		t.Errorf("Write: %v", err)
	}
	waitFor(t, "echo", func() bool { return strings.Contains(sink.output(), "hi\n") })
}

func TestShellOpen_DumbSkipsPTY(t *testing.T) {
	srv := sshtest.NewServer(t)
	m := newTestManager(t, Config{})

	s, _ := openShell(t, m, srv, ShellOptions{Dumb: true})
	if s.PTY() != PTYNo {
		t.Errorf("PTY = %v, want PTYNo", s.PTY())
	}
	if err := s.Resize(24, 80); !errors.Is(err, errdefs.ErrUnsupported) {
		t.Errorf("Resize = %v, want Unsupported", err)
	}
}

func TestShell_ScreenIsIdempotent(t *testing.T) {
	srv := sshtest.NewServer(t)
	m := newTestManager(t, Config{})

	s, sink := openShell(t, m, srv, ShellOptions{Cols: 80, Rows: 24})
	if err := s.Write([]byte("hello screen\r")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	waitFor(t, "echo", func() bool { return strings.Contains(sink.output(), "hello screen") })

	first, err := m.ShellScreen(s.Token(), 80)
	if err != nil {
		t.Fatalf("Screen: %v", err)
	}
	second, err := m.ShellScreen(s.Token(), 80)
	if err != nil {
		t.Fatalf("Screen: %v", err)
	}
	if first.Data != second.Data || first.Cursor != second.Cursor {
		t.Error("consecutive screens differ")
	}
	if !strings.Contains(first.Data, "hello screen") {
		t.Errorf("screen data %q lacks echoed text", first.Data)
	}
	if first.Rows != nil {
		t.Error("same-width screen should not return rows")
	}
}

func TestShell_ScreenRewrapsOtherWidth(t *testing.T) {
	srv := sshtest.NewServer(t)
	m := newTestManager(t, Config{})

	s, sink := openShell(t, m, srv, ShellOptions{Cols: 80, Rows: 24})
	long := strings.Repeat("x", 50)
	s.Write([]byte(long))
	waitFor(t, "echo", func() bool { return strings.Contains(sink.output(), long) })

	scr, err := s.Screen(20)
	if err != nil {
		t.Fatalf("Screen: %v", err)
	}
	if scr.Data != "" {
		t.Error("other-width screen should not return full data")
	}
	if len(scr.Rows) < 4 {
		t.Fatalf("rows = %q, want the banner plus three wrapped rows", scr.Rows)
	}
	for i, r := range scr.Rows {
		if !strings.HasSuffix(r, "\x1b[0m") {
			t.Errorf("row %d = %q lacks reset suffix", i, r)
		}
	}
	if len(scr.Rows) != 4 || scr.Cursor != (vt.Cursor{Row: 3, Col: 10}) {
		t.Errorf("rows = %q cursor = %+v, want 4 rows with the cursor after the last x", scr.Rows, scr.Cursor)
	}
}

func TestShell_ResizeSendsWindowChange(t *testing.T) {
	srv := sshtest.NewServer(t)
	m := newTestManager(t, Config{})

	s, _ := openShell(t, m, srv, ShellOptions{Cols: 80, Rows: 24})
	if err := m.ShellResize(s.Token(), 30, 100); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if rows, cols := s.term.Size(); rows != 30 || cols != 100 {
		t.Errorf("local size = %dx%d, want 30x100", rows, cols)
	}
	waitFor(t, "window-change", func() bool {
		w := srv.Windows()
		return len(w) == 1 && w[0] == sshtest.Window{Cols: 100, Rows: 30}
	})
}

func TestShell_TitleChangeNotifies(t *testing.T) {
	srv := sshtest.NewServer(t)
	m := newTestManager(t, Config{})

	s, sink := openShell(t, m, srv, ShellOptions{Cols: 80, Rows: 24})
	s.Write([]byte("\x1b]0;root@lgwebostv\x07"))
	waitFor(t, "title", func() bool { return s.Title() == "root@lgwebostv" })
	waitFor(t, "title notification", func() bool {
		for _, title := range sink.titles() {
			if title == "root@lgwebostv" {
				return true
			}
		}
		return false
	})
}

func TestShell_CloseThenWrite(t *testing.T) {
	srv := sshtest.NewServer(t)
	m := newTestManager(t, Config{})

	s, sink := openShell(t, m, srv, ShellOptions{Cols: 80, Rows: 24})
	token := s.Token()
	if err := m.ShellClose(token); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.ShellWrite(token, []byte("ls\r")); !errors.Is(err, errdefs.ErrDisconnected) {
		t.Errorf("Write after close = %v, want Disconnected", err)
	}
	if list := m.ShellList(); len(list) != 0 {
		t.Errorf("ShellList after close = %+v", list)
	}
	if err := m.ShellClose(token); err != nil {
		t.Errorf("second Close = %v", err)
	}

	<-s.Done()
	if st := s.State(); st.Kind != ShellExited || st.Code != ExitCodeUnknown {
		t.Errorf("final state = %+v", st)
	}
	s.Close()
	if n := len(sink.finals()); n != 1 {
		t.Errorf("final state notified %d times, want 1", n)
	}
}

func TestShellOpen_ReportsConnectingWithUnknownPTY(t *testing.T) {
	srv := sshtest.NewServer(t)
	m := newTestManager(t, Config{})

	s, sink := openShell(t, m, srv, ShellOptions{Cols: 80, Rows: 24})
	waitFor(t, "connected", func() bool { return s.State().Kind == ShellConnected })

	sink.mu.Lock()
	first := sink.infos[0]
	sink.mu.Unlock()
	if first.State.Kind != ShellConnecting || first.PTY != PTYUnknown || first.Token != s.Token() {
		t.Errorf("first notification = %+v, want connecting with unknown PTY", first)
	}
	b, _ := json.Marshal(first)
	if !strings.Contains(string(b), `"pty":"unknown"`) {
		t.Errorf("json = %s", b)
	}
	if info := s.Info(); info.PTY != PTYYes || !info.HasPTY {
		t.Errorf("info after open = %+v", info)
	}
}

func TestShell_ScreenTrimsTrailingEmptyRows(t *testing.T) {
	srv := sshtest.NewServer(t)
	m := newTestManager(t, Config{})

	s, sink := openShell(t, m, srv, ShellOptions{Cols: 80, Rows: 24})
	waitFor(t, "banner", func() bool { return strings.Contains(sink.output(), "PTY:true") })
	s.Write([]byte("hello\r\n\r\n\r\n\r\n"))
	waitFor(t, "echo", func() bool { return strings.Count(sink.output(), "\r\n") == 5 })

	scr, err := s.Screen(40)
	if err != nil {
		t.Fatalf("Screen: %v", err)
	}
	if len(scr.Rows) != 2 || !strings.Contains(scr.Rows[1], "hello") {
		t.Errorf("rows = %q, want the banner and hello only", scr.Rows)
	}
	if scr.Cursor.Row != 5 {
		t.Errorf("cursor = %+v, want row 5", scr.Cursor)
	}
}

func TestShell_CloseWithInputBackedUp(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.WithDeafShell())
	m := newTestManager(t, Config{})

	s, sink := openShell(t, m, srv, ShellOptions{Cols: 80, Rows: 24})
	waitFor(t, "banner", func() bool { return strings.Contains(sink.output(), "PTY:true") })

	// More than the channel window, then a full queue behind it.
	if err := s.Write(bytes.Repeat([]byte("y"), 4<<20)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	for i := 0; i < shellQueueSize; i++ {
		if err := s.Write([]byte("z")); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked behind queued input")
	}
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shell did not finish after Close")
	}
	if st := s.State(); st.Kind != ShellExited || st.Code != ExitCodeUnknown {
		t.Errorf("final state = %+v", st)
	}
	if err := s.Write([]byte("late")); !errors.Is(err, errdefs.ErrDisconnected) {
		t.Errorf("Write after close = %v, want Disconnected", err)
	}
}

func TestShell_RemoteExit(t *testing.T) {
	srv := sshtest.NewServer(t)
	m := newTestManager(t, Config{})

	s, sink := openShell(t, m, srv, ShellOptions{Cols: 80, Rows: 24})
	s.Write([]byte("exit\r"))
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shell did not end")
	}
	if st := s.State(); st.Kind != ShellExited || st.Code != 0 {
		t.Errorf("final state = %+v, want exited(0)", st)
	}
	finals := sink.finals()
	if len(finals) != 1 {
		t.Fatalf("final state notified %d times, want 1", len(finals))
	}
	if _, err := m.Shell(s.Token()); !errors.Is(err, errdefs.ErrDisconnected) {
		t.Errorf("lookup after exit = %v, want Disconnected", err)
	}
	stats := m.Stats()
	if len(stats) != 1 || stats[0].Idle != 1 {
		t.Errorf("stats = %+v, want the connection back in the pool", stats)
	}
}

func TestShell_DroppedConnectionIsError(t *testing.T) {
	srv := sshtest.NewServer(t)
	m := newTestManager(t, Config{})

	s, _ := openShell(t, m, srv, ShellOptions{Cols: 80, Rows: 24})
	waitFor(t, "connected", func() bool { return s.State().Kind == ShellConnected })
	srv.DisconnectAll()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shell did not end")
	}
	if st := s.State(); st.Kind != ShellError {
		t.Errorf("final state = %+v, want error", st)
	}
	if stats := m.Stats(); stats[0].Idle != 0 {
		t.Errorf("dead connection returned to the pool: %+v", stats)
	}
}

func TestShell_UnknownToken(t *testing.T) {
	m := newTestManager(t, Config{})
	if err := m.ShellWrite("nope", []byte("x")); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("Write = %v, want NotFound", err)
	}
	if err := m.ShellClose("nope"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("Close = %v, want NotFound", err)
	}
}

func TestShellList_OrderedByCreation(t *testing.T) {
	srv := sshtest.NewServer(t)
	m := newTestManager(t, Config{})

	var tokens []string
	for i := 0; i < 3; i++ {
		s, _ := openShell(t, m, srv, ShellOptions{})
		tokens = append(tokens, s.Token())
	}
	list := m.ShellList()
	if len(list) != 3 {
		t.Fatalf("ShellList has %d entries", len(list))
	}
	for i, info := range list {
		if info.Token != tokens[i] {
			t.Errorf("list[%d] = %s, want %s", i, info.Token, tokens[i])
		}
	}
}

// --- manager ---

func TestCloseDevice(t *testing.T) {
	srv := sshtest.NewServer(t)
	m := newTestManager(t, Config{})

	s, _ := openShell(t, m, srv, ShellOptions{})
	m.CloseDevice("tv")
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shell not closed")
	}
	if len(m.Stats()) != 0 {
		t.Errorf("pool still present: %+v", m.Stats())
	}
	waitFor(t, "server side close", func() bool { return srv.Active() == 0 })
}

func TestPool_ReplacedWhenDeviceChanges(t *testing.T) {
	srv := sshtest.NewServer(t)
	m := newTestManager(t, Config{})
	dev := srv.Device("tv")

	p1, _ := m.Pool(dev)
	p2, _ := m.Pool(dev)
	if p1 != p2 {
		t.Error("same device should share a pool")
	}
	dev.Description = "living room"
	p3, _ := m.Pool(dev)
	if p3 == p1 {
		t.Error("changed device should get a new pool")
	}
}

func TestReap_PrunesTombstones(t *testing.T) {
	srv := sshtest.NewServer(t)
	m := newTestManager(t, Config{TombstoneTTL: time.Millisecond})

	s, _ := openShell(t, m, srv, ShellOptions{})
	s.Close()
	<-s.Done()
	time.Sleep(5 * time.Millisecond)
	m.Reap()
	if err := m.ShellWrite(s.Token(), nil); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("Write after prune = %v, want NotFound", err)
	}
}

func TestStartStop(t *testing.T) {
	m := newTestManager(t, Config{ReapEvery: time.Minute, KeepaliveEvery: 30 * time.Second})
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	m.Stop()
	m.Stop()
}

func TestManagerClosed(t *testing.T) {
	srv := sshtest.NewServer(t)
	m := NewManager(Config{}, nil)
	m.Close(context.Background())
	if _, err := m.Exec(context.Background(), srv.Device("tv"), "echo", nil); !errors.Is(err, errdefs.ErrDisconnected) {
		t.Errorf("Exec after Close = %v, want Disconnected", err)
	}
}
