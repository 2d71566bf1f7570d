// Package sshtest runs an in-process SSH server for tests.
//
// The server understands a handful of exec commands so callers can exercise
// exit codes, stderr, streaming, signals and stdin without a real device:
//
//	echo ARGS...        print ARGS, exit 0
//	cat                 copy stdin to stdout until EOF, exit 0
//	exit N              exit with status N
//	fail N TEXT...      print "partial" to stdout, TEXT to stderr, exit N
//	stream N            print N numbered lines to stdout and stderr, exit 0
//	sleep N             wait N seconds; a TERM signal ends it with exit-signal
//	sleep-quiet N       like sleep, but a signal closes without exit info
//	vanish              close the channel without exit info
//	test -f PATH        exit 0 if PATH is a regular local file, else 1
//	tail -n N [-F] PATH print the last N lines of a local file; -F then
//	                    follows appended data until a signal arrives
//
// Shell sessions echo their input back verbatim; a line reading "exit" ends
// the shell with status 0.
package sshtest

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/webosbrew/dev-manager-desktop/internal/device"
	"github.com/webosbrew/dev-manager-desktop/internal/sshkeys"
	"golang.org/x/crypto/ssh"
)

// Window is a terminal size seen by the server.
type Window struct {
	Cols, Rows uint32
}

type options struct {
	password   string
	noAuth     bool
	passphrase string
	refusePTY  bool
	deafShell  bool
	sftpRoot   string
	username   string
}

// Option configures a Server.
type Option func(*options)

// WithPassword switches the server to password authentication.
func WithPassword(pw string) Option { return func(o *options) { o.password = pw } }

// WithNoAuth accepts clients without credentials.
func WithNoAuth() Option { return func(o *options) { o.noAuth = true } }

// WithKeyPassphrase encrypts the generated client key.
func WithKeyPassphrase(p string) Option { return func(o *options) { o.passphrase = p } }

// WithoutPTY makes the server refuse pty-req.
func WithoutPTY() Option { return func(o *options) { o.refusePTY = true } }

// WithDeafShell makes shell sessions print their banner and then never read
// input, so the client's send window fills up.
func WithDeafShell() Option { return func(o *options) { o.deafShell = true } }

// WithSFTP serves the sftp subsystem rooted at dir.
func WithSFTP(dir string) Option { return func(o *options) { o.sftpRoot = dir } }

// Server is a running test SSH server.
type Server struct {
	Addr string

	opts      options
	clientKey []byte
	listener  net.Listener

	mu       sync.Mutex
	conns    map[*ssh.ServerConn]struct{}
	accepted int
	peak     int
	execs    []string
	windows  []Window
	signals  []string
}

// NewServer starts a server and stops it at test cleanup.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := &Server{conns: make(map[*ssh.ServerConn]struct{})}
	s.opts.username = "prisoner"
	for _, o := range opts {
		o(&s.opts)
	}

	_, hostPEM, err := sshkeys.GenerateKeyPair("host", "")
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.ParsePrivateKey(hostPEM)
	if err != nil {
		t.Fatalf("parse host key: %v", err)
	}

	config := &ssh.ServerConfig{}
	switch {
	case s.opts.noAuth:
		config.NoClientAuth = true
	case s.opts.password != "":
		config.PasswordCallback = func(_ ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if string(pw) == s.opts.password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("wrong password")
		}
	default:
		pub, priv, err := sshkeys.GenerateKeyPair("client", s.opts.passphrase)
		if err != nil {
			t.Fatalf("generate client key: %v", err)
		}
		authorized, _, _, _, err := ssh.ParseAuthorizedKey(pub)
		if err != nil {
			t.Fatalf("parse client public key: %v", err)
		}
		s.clientKey = priv
		config.PublicKeyCallback = func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(authorized) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		}
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = listener
	s.Addr = listener.Addr().String()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			go s.handleConn(netConn, config)
		}
	}()

	t.Cleanup(func() {
		listener.Close()
		<-done
		s.DisconnectAll()
	})
	return s
}

// Device returns a device record pointing at the server with working
// credentials.
func (s *Server) Device(name string) device.Device {
	host, portStr, _ := net.SplitHostPort(s.Addr)
	port, _ := strconv.Atoi(portStr)
	d := device.Device{Name: name, Host: host, Port: port, Username: s.opts.username}
	switch {
	case s.opts.noAuth:
	case s.opts.password != "":
		d.Password = s.opts.password
	default:
		d.PrivateKey = &device.PrivateKey{Data: string(s.clientKey)}
		d.Passphrase = s.opts.passphrase
	}
	return d
}

// ClientKey returns the PEM of the authorized client key.
func (s *Server) ClientKey() []byte { return s.clientKey }

// DisconnectAll drops every open connection from the server side.
func (s *Server) DisconnectAll() {
	s.mu.Lock()
	conns := make([]*ssh.ServerConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Active is the number of open connections.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Accepted is the number of connections that completed the handshake.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Peak is the highest number of simultaneously open connections.
func (s *Server) Peak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

// Execs returns the exec commands received so far.
func (s *Server) Execs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.execs...)
}

// Windows returns the window-change sizes received so far.
func (s *Server) Windows() []Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Window(nil), s.windows...)
}

// Signals returns the signal names received so far.
func (s *Server) Signals() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.signals...)
}

func (s *Server) handleConn(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	s.mu.Lock()
	s.conns[sshConn] = struct{}{}
	s.accepted++
	if len(s.conns) > s.peak {
		s.peak = len(s.conns)
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, sshConn)
		s.mu.Unlock()
		sshConn.Close()
	}()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

type session struct {
	srv    *Server
	ch     ssh.Channel
	pty    bool
	signal chan string
	done   chan struct{}
	once   sync.Once
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	sess := &session{srv: s, ch: ch, signal: make(chan string, 1), done: make(chan struct{})}
	defer func() {
		close(sess.done)
		ch.Close()
	}()

	for req := range requests {
		switch req.Type {
		case "pty-req":
			if s.opts.refusePTY {
				req.Reply(false, nil)
				continue
			}
			sess.pty = true
			req.Reply(true, nil)

		case "window-change":
			if len(req.Payload) >= 8 {
				s.mu.Lock()
				s.windows = append(s.windows, Window{
					Cols: binary.BigEndian.Uint32(req.Payload[0:4]),
					Rows: binary.BigEndian.Uint32(req.Payload[4:8]),
				})
				s.mu.Unlock()
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "env":
			req.Reply(true, nil)

		case "signal":
			var msg struct{ Signal string }
			ssh.Unmarshal(req.Payload, &msg)
			s.mu.Lock()
			s.signals = append(s.signals, msg.Signal)
			s.mu.Unlock()
			select {
			case sess.signal <- msg.Signal:
			default:
			}

		case "exec":
			var msg struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				req.Reply(false, nil)
				continue
			}
			s.mu.Lock()
			s.execs = append(s.execs, msg.Command)
			s.mu.Unlock()
			req.Reply(true, nil)
			go sess.run(msg.Command)

		case "shell":
			req.Reply(true, nil)
			go sess.shell()

		case "subsystem":
			var msg struct{ Name string }
			ssh.Unmarshal(req.Payload, &msg)
			if msg.Name != "sftp" || s.opts.sftpRoot == "" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				server, err := sftp.NewServer(ch, sftp.WithServerWorkingDirectory(s.opts.sftpRoot))
				if err != nil {
					ch.Close()
					return
				}
				server.Serve()
				server.Close()
			}()

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *session) exit(code int) {
	s.once.Do(func() {
		s.ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
		s.ch.Close()
	})
}

func (s *session) exitSignal(name string) {
	s.once.Do(func() {
		s.ch.SendRequest("exit-signal", false, ssh.Marshal(struct {
			Signal     string
			CoreDumped bool
			Error      string
			Lang       string
		}{Signal: name}))
		s.ch.Close()
	})
}

func (s *session) closeQuietly() {
	s.once.Do(func() { s.ch.Close() })
}

func (s *session) run(command string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		s.exit(0)
		return
	}
	arg := func(i int) int {
		if i >= len(fields) {
			return 0
		}
		n, _ := strconv.Atoi(fields[i])
		return n
	}

	switch fields[0] {
	case "echo":
		fmt.Fprintf(s.ch, "%s\n", strings.Join(fields[1:], " "))
		s.exit(0)
	case "cat":
		buf := make([]byte, 4096)
		for {
			n, err := s.ch.Read(buf)
			if n > 0 {
				s.ch.Write(buf[:n])
			}
			if err != nil {
				break
			}
		}
		s.exit(0)
	case "exit":
		s.exit(arg(1))
	case "fail":
		fmt.Fprint(s.ch, "partial\n")
		fmt.Fprint(s.ch.Stderr(), strings.Join(fields[2:], " "))
		s.exit(arg(1))
	case "stream":
		for i := 1; i <= arg(1); i++ {
			fmt.Fprintf(s.ch, "out %d\n", i)
			fmt.Fprintf(s.ch.Stderr(), "err %d\n", i)
		}
		s.exit(0)
	case "sleep", "sleep-quiet":
		select {
		case sig := <-s.signal:
			if fields[0] == "sleep" {
				s.exitSignal(sig)
			} else {
				s.closeQuietly()
			}
		case <-time.After(time.Duration(arg(1)) * time.Second):
			s.exit(0)
		case <-s.done:
		}
	case "vanish":
		s.closeQuietly()
	case "test":
		if len(fields) == 3 && fields[1] == "-f" {
			if fi, err := os.Stat(unquote(fields[2])); err == nil && fi.Mode().IsRegular() {
				s.exit(0)
				return
			}
		}
		s.exit(1)
	case "tail":
		s.tail(fields[1:])
	default:
		fmt.Fprintf(s.ch.Stderr(), "sh: %s: not found\n", fields[0])
		s.exit(127)
	}
}

func unquote(arg string) string {
	if len(arg) >= 2 && arg[0] == '\'' && arg[len(arg)-1] == '\'' {
		return arg[1 : len(arg)-1]
	}
	return arg
}

func (s *session) tail(args []string) {
	n, follow, path := 10, false, ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-n":
			if i+1 < len(args) {
				n, _ = strconv.Atoi(args[i+1])
				i++
			}
		case "-F", "-f":
			follow = true
		default:
			path = unquote(args[i])
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(s.ch.Stderr(), "tail: cannot open '%s' for reading: No such file or directory\n", path)
		s.exit(1)
		return
	}
	lines := strings.SplitAfter(string(data), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	fmt.Fprint(s.ch, strings.Join(lines, ""))
	if !follow {
		s.exit(0)
		return
	}

	offset := int64(len(data))
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case sig := <-s.signal:
			s.exitSignal(sig)
			return
		case <-s.done:
			return
		case <-ticker.C:
			data, err := os.ReadFile(path)
			if err != nil || int64(len(data)) <= offset {
				continue
			}
			s.ch.Write(data[offset:])
			offset = int64(len(data))
		}
	}
}

func (s *session) shell() {
	if s.pty {
		fmt.Fprint(s.ch, "PTY:true\r\n")
	} else {
		fmt.Fprint(s.ch, "PTY:false\n")
	}
	if s.srv.opts.deafShell {
		<-s.done
		return
	}
	var line []byte
	buf := make([]byte, 4096)
	for {
		n, err := s.ch.Read(buf)
		for _, b := range buf[:n] {
			if b == '\r' || b == '\n' {
				if strings.TrimSpace(string(line)) == "exit" {
					s.exit(0)
					return
				}
				line = line[:0]
				continue
			}
			line = append(line, b)
		}
		if n > 0 {
			s.ch.Write(buf[:n])
		}
		if err != nil {
			s.closeQuietly()
			return
		}
	}
}
