package sshpool

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/webosbrew/dev-manager-desktop/internal/device"
	"github.com/webosbrew/dev-manager-desktop/internal/errdefs"
	"github.com/webosbrew/dev-manager-desktop/internal/logging"
	"github.com/webosbrew/dev-manager-desktop/internal/sshaudit"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxSize     = 5
	DefaultGetTimeout  = 30 * time.Second
	DefaultIdleTimeout = 5 * time.Minute

	keepaliveTimeout = 5 * time.Second
)

var errPoolClosed = errors.New("connection pool closed")

// Config holds the pool parameters. Zero values take the defaults above.
type Config struct {
	MaxSize     int
	MinIdle     int
	IdleTimeout time.Duration
	// GetTimeout bounds how long Get waits for a free slot.
	GetTimeout time.Duration
	Connect    ConnectOptions
	RateLimit  RateLimitConfig

	Events  *EventLog
	Auditor *sshaudit.Auditor
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.MinIdle < 0 {
		c.MinIdle = 0
	}
	if c.MinIdle > c.MaxSize {
		c.MinIdle = c.MaxSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.GetTimeout <= 0 {
		c.GetTimeout = DefaultGetTimeout
	}
	return c
}

// Pool owns the connections of one device.
//
// The semaphore counts connections that are leased or being created. Idle
// connections hold no permit, and a new connection is only created when the
// idle list is empty, so idle+leased+creating never exceeds MaxSize.
type Pool struct {
	dev device.Device
	cfg Config
	sem *semaphore.Weighted
	rl  *rateLimiter

	mu       sync.Mutex
	idle     []*Conn // oldest returned first
	leased   map[*Conn]struct{}
	creating int
	lastErr  error
	closed   bool
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Device    string          `json:"device"`
	MaxSize   int             `json:"max_size"`
	Idle      int             `json:"idle"`
	Leased    int             `json:"leased"`
	Creating  int             `json:"creating"`
	State     ConnectionState `json:"state"`
	RateLimit RateLimitStatus `json:"rate_limit"`
}

// New returns an empty pool for dev. No connection is made until Get.
func New(dev device.Device, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		dev:    dev,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxSize)),
		rl:     newRateLimiter(dev.Name, cfg.RateLimit),
		leased: make(map[*Conn]struct{}),
	}
}

func (p *Pool) Device() device.Device { return p.dev }

// Get leases a connection, reusing an idle one or creating a new one. It
// blocks while MaxSize connections are leased, up to GetTimeout; on timeout
// it returns the most recent connection error, or errdefs.ErrTimeout.
func (p *Pool) Get(ctx context.Context) (*Conn, error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.GetTimeout)
	defer cancel()
	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, errdefs.Classify(ctx.Err())
		}
		return nil, p.exhausted()
	}

	for {
		c, err := p.takeIdle()
		if err != nil {
			p.sem.Release(1)
			return nil, err
		}
		if c == nil {
			break
		}
		if c.Broken() {
			p.discard(c, EventEvicted, "broken on lease")
			continue
		}
		c.markPending()
		return c, nil
	}

	c, err := p.create(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	c.markPending()
	return c, nil
}

// Put returns a leased connection. Connections that are disconnected or
// whose health flag was not set since the lease are closed instead.
func (p *Pool) Put(c *Conn) {
	if c == nil {
		return
	}
	p.mu.Lock()
	if _, ok := p.leased[c]; !ok {
		p.mu.Unlock()
		log.Printf("[ssh-pool] %s: ignoring return of unknown connection %s", logging.Sanitize(p.dev.Name), c.id)
		return
	}
	var reason string
	switch {
	case p.closed:
		reason = "pool closed"
	case c.Disconnected():
		reason = "transport closed"
	case !c.Healthy():
		reason = "last operation failed"
	}
	if reason == "" {
		delete(p.leased, c)
		c.idleSince = time.Now()
		p.idle = append(p.idle, c)
		p.mu.Unlock()
		p.sem.Release(1)
		return
	}
	p.mu.Unlock()

	p.discard(c, EventEvicted, reason)
	p.sem.Release(1)
}

func (p *Pool) takeIdle() (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errdefs.Disconnected(errPoolClosed)
	}
	n := len(p.idle)
	if n == 0 {
		return nil, nil
	}
	c := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	p.leased[c] = struct{}{}
	return c, nil
}

func (p *Pool) create(ctx context.Context) (*Conn, error) {
	if err := p.rl.allow(); err != nil {
		p.cfg.Events.Record(p.dev.Name, EventRateLimited, "", err.Error())
		return nil, err
	}

	p.mu.Lock()
	if p.liveLocked() == 0 {
		p.cfg.Events.setState(p.dev.Name, StateConnecting, "")
	}
	p.creating++
	p.mu.Unlock()

	client, err := Connect(ctx, p.dev, p.cfg.Connect)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.lastErr = err
		live := p.liveLocked()
		p.mu.Unlock()
		if ctx.Err() == nil {
			p.rl.failure()
		}
		log.Printf("[ssh-pool] %s: connect failed: %v", logging.Sanitize(p.dev.Name), err)
		p.cfg.Events.Record(p.dev.Name, EventConnectFailed, "", err.Error())
		if live == 0 {
			p.cfg.Events.setState(p.dev.Name, StateFailed, err.Error())
		}
		p.cfg.Auditor.LogConnectionFailed(p.dev.Name, p.dev.Username, err)
		return nil, err
	}
	c := newConn(p.dev, client)
	if p.closed {
		p.mu.Unlock()
		c.Close()
		return nil, errdefs.Disconnected(errPoolClosed)
	}
	p.leased[c] = struct{}{}
	p.lastErr = nil
	p.mu.Unlock()
	p.rl.success()

	log.Printf("[ssh-pool] %s: connected %s (%s)", logging.Sanitize(p.dev.Name), c.id, p.dev.Addr())
	p.cfg.Events.Record(p.dev.Name, EventConnected, c.id, p.dev.Addr())
	p.cfg.Events.setState(p.dev.Name, StateConnected, "")
	p.cfg.Auditor.LogConnection(p.dev.Name, p.dev.Username, c.id)
	return c, nil
}

// discard closes a connection that has already been removed from the idle
// list (or is being returned) and forgets it.
func (p *Pool) discard(c *Conn, typ EventType, reason string) {
	c.Close()

	p.mu.Lock()
	delete(p.leased, c)
	live := p.liveLocked()
	p.mu.Unlock()

	log.Printf("[ssh-pool] %s: dropped %s: %s", logging.Sanitize(p.dev.Name), c.id, reason)
	p.cfg.Events.Record(p.dev.Name, typ, c.id, reason)
	if live == 0 {
		p.cfg.Events.setState(p.dev.Name, StateDisconnected, reason)
	}
	p.cfg.Auditor.LogConnectionClosed(p.dev.Name, c.id, reason, time.Since(c.created))
}

func (p *Pool) liveLocked() int {
	return len(p.idle) + len(p.leased) + p.creating
}

// exhausted returns and clears the last recorded connection error.
func (p *Pool) exhausted() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.lastErr; err != nil {
		p.lastErr = nil
		return err
	}
	return errdefs.Timeout(nil)
}

// ReapIdle closes idle connections that have disconnected, and those idle
// for longer than IdleTimeout beyond the MinIdle most recently used ones.
// It returns the number of connections closed.
func (p *Pool) ReapIdle(now time.Time) int {
	type victim struct {
		c      *Conn
		reason string
	}
	var victims []victim

	p.mu.Lock()
	excess := len(p.idle) - p.cfg.MinIdle
	kept := p.idle[:0]
	for _, c := range p.idle {
		switch {
		case c.Disconnected():
			victims = append(victims, victim{c, "transport closed"})
			excess--
		case excess > 0 && now.Sub(c.idleSince) >= p.cfg.IdleTimeout:
			victims = append(victims, victim{c, "idle timeout"})
			excess--
		default:
			kept = append(kept, c)
		}
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = kept
	p.mu.Unlock()

	for _, v := range victims {
		p.discard(v.c, EventIdleClosed, v.reason)
	}
	return len(victims)
}

// Keepalive probes every idle connection with a global request and closes
// the ones that do not answer. Leased connections are left to their users.
func (p *Pool) Keepalive() {
	p.mu.Lock()
	idle := make([]*Conn, len(p.idle))
	copy(idle, p.idle)
	p.mu.Unlock()

	for _, c := range idle {
		if err := probe(c); err != nil {
			p.cfg.Events.Record(p.dev.Name, EventKeepaliveFailed, c.id, err.Error())
			if p.removeIdle(c) {
				p.discard(c, EventEvicted, "keepalive failed")
			} else {
				// Leased meanwhile; the holder sees the closed transport.
				c.Close()
			}
		}
	}
}

func probe(c *Conn) error {
	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
		errCh <- err
	}()
	select {
	case err := <-errCh:
		return err
	case <-c.done:
		return errdefs.Disconnected(nil)
	case <-time.After(keepaliveTimeout):
		return errdefs.Timeout(nil)
	}
}

func (p *Pool) removeIdle(c *Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, ic := range p.idle {
		if ic == c {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return true
		}
	}
	return false
}

// Close closes idle connections and marks the pool closed; leased
// connections are closed when they are returned.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, c := range idle {
		p.discard(c, EventEvicted, "pool closed")
	}
	p.cfg.Events.Record(p.dev.Name, EventPoolClosed, "", "")
	p.cfg.Events.setState(p.dev.Name, StateDisconnected, "pool closed")
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Device:   p.dev.Name,
		MaxSize:  p.cfg.MaxSize,
		Idle:     len(p.idle),
		Leased:   len(p.leased),
		Creating: p.creating,
	}
	if p.cfg.Events != nil {
		s.State = p.cfg.Events.State(p.dev.Name)
	}
	s.RateLimit = p.rl.status()
	return s
}
