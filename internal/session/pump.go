package session

import (
	"bytes"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/webosbrew/dev-manager-desktop/internal/sshpool"
	"golang.org/x/crypto/ssh"
)

const (
	readBufferSize = 32 * 1024

	// transportSettle is how long a channel that closed without exit
	// information waits for its transport to report a disconnect.
	transportSettle = 200 * time.Millisecond
)

type chunk struct {
	fd   int
	data []byte
}

// pumpOutput turns the blocking stdout and stderr reads of a channel into
// chunks the worker can select on. The returned channel is closed once both
// streams have ended.
func pumpOutput(stdout, stderr io.Reader) <-chan chunk {
	out := make(chan chunk, 16)
	var wg sync.WaitGroup
	read := func(fd int, r io.Reader) {
		defer wg.Done()
		buf := make([]byte, readBufferSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				out <- chunk{fd: fd, data: bytes.Clone(buf[:n])}
			}
			if err != nil {
				return
			}
		}
	}
	wg.Add(2)
	go read(Stdout, stdout)
	go read(Stderr, stderr)
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// stdinMsg is queued input for a channel: data, or an EOF.
type stdinMsg struct {
	data []byte
	eof  bool
}

// pumpInput writes queued input on its own goroutine, so a remote side that
// stops reading blocks only this writer and never the worker. A blocked
// write returns once the channel is closed. After the first failure later
// messages are discarded. It returns when stop is closed.
func pumpInput(prefix string, w io.WriteCloser, in <-chan stdinMsg, stop <-chan struct{}) {
	failed := false
	for {
		select {
		case m := <-in:
			if failed {
				continue
			}
			var err error
			if m.eof {
				err = w.Close()
			} else {
				_, err = w.Write(m.data)
			}
			if err != nil {
				failed = true
				log.Printf("%s: stdin: %v", prefix, err)
			}
		case <-stop:
			return
		}
	}
}

// waitSession delivers the result of sess.Wait.
func waitSession(sess *ssh.Session) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- sess.Wait() }()
	return ch
}

func isExitMissing(err error) bool {
	var missing *ssh.ExitMissingError
	return errors.As(err, &missing)
}

// lostTransport reports whether c's transport has gone away. Channels are
// closed slightly before the client notices a dead transport, so a short
// wait separates the two.
func lostTransport(c *sshpool.Conn) bool {
	select {
	case <-c.Done():
		return true
	case <-time.After(transportSettle):
		return false
	}
}
