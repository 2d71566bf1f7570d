package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/webosbrew/dev-manager-desktop/internal/device"
	"github.com/webosbrew/dev-manager-desktop/internal/errdefs"
	"github.com/webosbrew/dev-manager-desktop/internal/logging"
	"github.com/webosbrew/dev-manager-desktop/internal/sshaudit"
	"github.com/webosbrew/dev-manager-desktop/internal/sshpool"
	"golang.org/x/crypto/ssh"
)

// InterruptGrace is how long an interrupted command gets to exit after TERM
// before its channel is closed.
var InterruptGrace = 2 * time.Second

var errNoSink = errors.New("no sink attached")

type procPhase int

const (
	phasePending procPhase = iota
	phaseRunning
	phaseFinished
)

// Proc is a non-interactive remote command whose output streams to a sink.
//
// Spawn opens the channel and holds the connection lease. The command is
// executed by Start, which waits until Ready has been called, so a consumer
// can attach its sink before any output is produced. The lease is returned
// when the command ends or the proc is interrupted.
type Proc struct {
	id      string
	command string
	dev     device.Device
	pool    *sshpool.Pool
	conn    *sshpool.Conn
	sess    *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader
	auditor *sshaudit.Auditor

	sinkMu sync.RWMutex
	sink   ProcSink

	ready         chan struct{}
	readyOnce     sync.Once
	interrupt     chan struct{}
	interruptOnce sync.Once
	queue         chan stdinMsg
	done          chan struct{}

	mu        sync.Mutex
	phase     procPhase
	status    ProcStatus
	startedAt time.Time
}

func (p *Proc) ID() string            { return p.id }
func (p *Proc) Command() string       { return p.command }
func (p *Proc) Device() device.Device { return p.dev }

// Done is closed once the proc has reached its final status.
func (p *Proc) Done() <-chan struct{} { return p.done }

// Status returns the most recently published status.
func (p *Proc) Status() ProcStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Attach sets the sink that receives output and state changes.
func (p *Proc) Attach(sink ProcSink) {
	p.sinkMu.Lock()
	p.sink = sink
	p.sinkMu.Unlock()
}

// Ready opens the start gate. Calling it more than once is harmless.
func (p *Proc) Ready() {
	p.readyOnce.Do(func() { close(p.ready) })
}

// Start blocks until Ready has been called, then runs the command and hands
// the channel to the worker goroutine.
func (p *Proc) Start(ctx context.Context) error {
	select {
	case <-p.ready:
	case <-p.done:
		return errdefs.Disconnected(nil)
	case <-ctx.Done():
		return errdefs.Classify(ctx.Err())
	}

	p.mu.Lock()
	if p.phase != phasePending {
		p.mu.Unlock()
		if p.phase == phaseRunning {
			return errdefs.New(errdefs.KindMessage, "process already started")
		}
		return errdefs.Disconnected(nil)
	}
	p.phase = phaseRunning
	p.startedAt = time.Now()
	p.mu.Unlock()

	if err := p.sess.Start(p.command); err != nil {
		if p.conn.Disconnected() {
			err = errdefs.Disconnected(err)
		} else {
			err = errdefs.Classify(err)
		}
		p.finish(ProcStatus{Kind: ProcFailed, Err: err}, false)
		return err
	}
	log.Printf("[proc] %s: started %q on %s", p.id, logging.Sanitize(p.command), logging.Sanitize(p.dev.Name))
	p.auditor.LogSpawn(p.dev.Name, p.dev.Username, p.command)
	p.publish(ProcStatus{Kind: ProcRunning})
	go p.run()
	return nil
}

// Interrupt asks the command to stop: the worker sends TERM and closes the
// channel after InterruptGrace. A proc that was never started is released
// immediately with a Closed result.
func (p *Proc) Interrupt() {
	p.mu.Lock()
	if p.phase == phasePending {
		// Start sees phaseFinished and never runs the command.
		p.phase = phaseFinished
		p.mu.Unlock()
		p.release(ProcStatus{Kind: ProcClosed}, true, false, time.Time{})
		return
	}
	p.mu.Unlock()
	p.interruptOnce.Do(func() { close(p.interrupt) })
}

// Write queues data for the command's stdin.
func (p *Proc) Write(data []byte) error {
	return p.enqueue(stdinMsg{data: bytes.Clone(data)})
}

// CloseStdin queues an EOF on the command's stdin.
func (p *Proc) CloseStdin() error {
	return p.enqueue(stdinMsg{eof: true})
}

func (p *Proc) enqueue(m stdinMsg) error {
	select {
	case <-p.done:
		return errdefs.Disconnected(nil)
	default:
	}
	select {
	case p.queue <- m:
		return nil
	case <-p.done:
		return errdefs.Disconnected(nil)
	}
}

// WaitClose blocks until the proc has finished and returns its final
// status.
func (p *Proc) WaitClose(ctx context.Context) (ProcStatus, error) {
	select {
	case <-p.done:
		return p.Status(), nil
	case <-ctx.Done():
		return ProcStatus{}, errdefs.Classify(ctx.Err())
	}
}

// data hands output to the sink.
func (p *Proc) data(fd int, b []byte) error {
	p.sinkMu.RLock()
	sink := p.sink
	p.sinkMu.RUnlock()
	if sink == nil {
		return errdefs.Disconnected(errNoSink)
	}
	sink.OnData(fd, b)
	return nil
}

func (p *Proc) publish(s ProcStatus) {
	s.ID = p.id
	s.Command = p.command
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()

	p.sinkMu.RLock()
	sink := p.sink
	p.sinkMu.RUnlock()
	if sink != nil {
		sink.OnStateChanged(s)
	}
}

func (p *Proc) run() {
	go pumpInput("[proc] "+p.id, p.stdin, p.queue, p.done)
	chunks := pumpOutput(p.stdout, p.stderr)
	waitc := waitSession(p.sess)
	interrupt := p.interrupt

	var (
		grace       <-chan time.Time
		waitErr     error
		interrupted bool
	)
	for waitc != nil || chunks != nil {
		select {
		case <-interrupt:
			interrupt = nil
			interrupted = true
			if err := p.sess.Signal(ssh.SIGTERM); err != nil {
				log.Printf("[proc] %s: signal: %v", p.id, err)
			}
			grace = time.After(InterruptGrace)

		case <-grace:
			grace = nil
			p.sess.Close()

		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if err := p.data(c.fd, c.data); err != nil {
				log.Printf("[proc] %s: dropping %d bytes: %v", p.id, len(c.data), err)
			}

		case err := <-waitc:
			waitc = nil
			waitErr = err
		}
	}

	status, healthy := p.result(waitErr, interrupted)
	p.finish(status, healthy)
}

// result maps the outcome of Wait to a final status. A command that was
// interrupted and closed without reporting how it ended counts as
// terminated by TERM.
func (p *Proc) result(err error, interrupted bool) (ProcStatus, bool) {
	live := !p.conn.Disconnected()
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return ProcStatus{Kind: ProcExited}, live
	case errors.As(err, &exitErr):
		if sig := exitErr.Signal(); sig != "" {
			return ProcStatus{Kind: ProcSignal, Signal: sig}, live
		}
		return ProcStatus{Kind: ProcExited, Code: exitErr.ExitStatus()}, live
	case interrupted:
		return ProcStatus{Kind: ProcSignal, Signal: string(ssh.SIGTERM)}, live
	case isExitMissing(err) && !lostTransport(p.conn):
		return ProcStatus{Kind: ProcClosed}, true
	case isExitMissing(err) || p.conn.Disconnected():
		return ProcStatus{Kind: ProcFailed, Err: errdefs.Disconnected(err)}, false
	default:
		return ProcStatus{Kind: ProcFailed, Err: errdefs.Classify(err)}, false
	}
}

// finish releases the channel and lease and publishes the final status.
// Only the first call has any effect.
func (p *Proc) finish(s ProcStatus, healthy bool) {
	p.mu.Lock()
	if p.phase == phaseFinished {
		p.mu.Unlock()
		return
	}
	started := p.phase == phaseRunning
	p.phase = phaseFinished
	startedAt := p.startedAt
	p.mu.Unlock()
	p.release(s, healthy, started, startedAt)
}

// release does the work of finish once the phase is phaseFinished.
func (p *Proc) release(s ProcStatus, healthy, started bool, startedAt time.Time) {
	p.sess.Close()
	if healthy {
		p.conn.MarkOK()
	}
	p.pool.Put(p.conn)

	p.publish(s)
	close(p.done)

	if started {
		took := time.Since(startedAt)
		log.Printf("[proc] %s: finished %s after %s", p.id, s, took.Round(time.Millisecond))
		p.auditor.LogProcessEnd(p.dev.Name, p.command, s.String(), took)
	}
}
