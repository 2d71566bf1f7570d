// Package sshpool keeps a bounded set of authenticated SSH connections per
// device and hands them out as exclusive leases.
//
// A Conn carries a health flag. It is true when the connection is created,
// cleared every time the connection is leased, and set again by MarkOK once
// the caller's operation has completed successfully. Pool.Put drops any
// connection whose flag is still clear or whose transport has gone away, so
// a connection that failed mid-operation is never handed out again.
package sshpool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/webosbrew/dev-manager-desktop/internal/device"
	"github.com/webosbrew/dev-manager-desktop/internal/errdefs"
	"golang.org/x/crypto/ssh"
)

// Conn is one authenticated transport to a device.
type Conn struct {
	id      string
	device  device.Device
	client  *ssh.Client
	created time.Time

	ok        atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	// idleSince is guarded by the owning pool's mutex.
	idleSince time.Time
}

func newConn(dev device.Device, client *ssh.Client) *Conn {
	c := &Conn{
		id:      uuid.NewString(),
		device:  dev,
		client:  client,
		created: time.Now(),
		done:    make(chan struct{}),
	}
	c.ok.Store(true)
	go func() {
		client.Wait()
		close(c.done)
	}()
	return c
}

func (c *Conn) ID() string            { return c.id }
func (c *Conn) Device() device.Device { return c.device }
func (c *Conn) Created() time.Time    { return c.created }

// Client exposes the underlying client for protocols layered on the
// connection, such as SFTP.
func (c *Conn) Client() *ssh.Client { return c.client }

// Done is closed when the transport reports disconnected.
func (c *Conn) Done() <-chan struct{} { return c.done }

// MarkOK records that the last operation on the connection succeeded.
func (c *Conn) MarkOK() { c.ok.Store(true) }

// Healthy reports the health flag.
func (c *Conn) Healthy() bool { return c.ok.Load() }

func (c *Conn) markPending() { c.ok.Store(false) }

// Disconnected reports whether the transport has closed.
func (c *Conn) Disconnected() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Broken reports whether the connection must not be reused.
func (c *Conn) Broken() bool {
	return c.Disconnected() || !c.Healthy()
}

// NewSession opens a session channel. Failures are classified; a dead
// transport yields errdefs.ErrDisconnected.
func (c *Conn) NewSession() (*ssh.Session, error) {
	if c.Disconnected() {
		return nil, errdefs.Disconnected(nil)
	}
	sess, err := c.client.NewSession()
	if err != nil {
		if c.Disconnected() {
			return nil, errdefs.Disconnected(err)
		}
		return nil, errdefs.Classify(err)
	}
	return sess, nil
}

// Close closes the transport. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.ok.Store(false)
		err = c.client.Close()
	})
	return err
}
