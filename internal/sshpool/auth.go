package sshpool

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/webosbrew/dev-manager-desktop/internal/device"
	"github.com/webosbrew/dev-manager-desktop/internal/errdefs"
	"github.com/webosbrew/dev-manager-desktop/internal/sshkeys"
	"golang.org/x/crypto/ssh"
)

// Rejection messages, one per authentication path.
const (
	msgKeyRejected      = "Key authorization failed"
	msgPasswordRejected = "Bad SSH password"
	msgNeedsAuth        = "Host needs authorization"
)

const defaultDialTimeout = 10 * time.Second

// ConnectOptions controls how Connect reaches and authenticates a device.
type ConnectOptions struct {
	// SSHDir resolves relative private key paths.
	SSHDir string
	// Timeout bounds the TCP connect and the SSH handshake separately.
	Timeout time.Duration
	// HostKeyCallback defaults to accepting any host key; developer-mode
	// devices regenerate theirs on every reset.
	HostKeyCallback ssh.HostKeyCallback
}

// authMethods picks exactly one authentication path for dev and returns the
// message used when the device rejects it.
func authMethods(dev device.Device, sshDir string) ([]ssh.AuthMethod, string, error) {
	switch {
	case dev.PrivateKey != nil:
		pemBytes, err := dev.PrivateKey.Content(sshDir)
		if err != nil {
			return nil, "", errdefs.Classify(err)
		}
		signer, err := sshkeys.ParsePrivateKey(pemBytes, dev.Passphrase)
		if err != nil {
			return nil, "", err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, msgKeyRejected, nil
	case dev.Password != "":
		return []ssh.AuthMethod{ssh.Password(dev.Password)}, msgPasswordRejected, nil
	default:
		// The client always offers "none" first, so an empty list is the
		// no-credentials probe.
		return nil, msgNeedsAuth, nil
	}
}

// Connect dials dev and authenticates with its configured credentials.
func Connect(ctx context.Context, dev device.Device, opts ConnectOptions) (*ssh.Client, error) {
	auth, rejected, err := authMethods(dev, opts.SSHDir)
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	hostKeyCallback := opts.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	addr := dev.Addr()
	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errdefs.Classify(err)
	}

	// The handshake has no context of its own; closing the socket unblocks it.
	stop := context.AfterFunc(ctx, func() { netConn.Close() })
	defer stop()
	netConn.SetDeadline(time.Now().Add(timeout))

	cfg := &ssh.ClientConfig{
		User:            dev.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errdefs.Classify(ctxErr)
		}
		if isAuthRejected(err) {
			return nil, errdefs.Authorization(rejected)
		}
		return nil, errdefs.Classify(fmt.Errorf("ssh handshake with %s: %w", addr, err))
	}
	netConn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func isAuthRejected(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}
