// Package sshcli implements the SSH command-line transport (spec C3): a
// single connection to the device's on-device Linux SSH daemon on port
// 7910, trusting a host key captured earlier over the serial transport
// (trust-on-first-contact per session, not a system known_hosts lookup).
//
// Grounded on mantle/platform.go's Machine.SSH/SSHClient and sshPipe (an
// ssh.Session wrapped to capture stderr and surface a CommandError on
// non-zero exit).
package sshcli

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/sbtinstruments/wright/internal/wrighterrors"
)

var plog = capnslog.NewPackageLogger("github.com/sbtinstruments/wright", "sshcli")

const dialTimeout = 10 * time.Second

// Client is a single SSH connection to a device, run-one-command-at-a-time
// (spec §4.3: "no concurrent commands per connection").
type Client struct {
	client *ssh.Client
	mu     sync.Mutex
}

// Dial connects to hostname:port as root, trusting exactly hostKey (no
// system known_hosts file is consulted) and authenticating with auth.
func Dial(ctx context.Context, hostname string, port int, hostKey ssh.PublicKey, auth ...ssh.AuthMethod) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", hostname, port)

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "sshcli: dial %s", addr)
	}

	cfg := &ssh.ClientConfig{
		User:            "root",
		Auth:            auth,
		HostKeyCallback: ssh.FixedHostKey(hostKey),
		Timeout:         dialTimeout,
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "sshcli: handshake %s", addr)
	}

	return &Client{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

// Close closes the underlying SSH connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Run executes cmd over a fresh session on the single shared connection and
// returns its stdout. A non-zero exit raises *wrighterrors.CommandError
// with the captured stderr folded into the wrapped error for diagnostics.
func (c *Client) Run(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, err := c.client.NewSession()
	if err != nil {
		return "", errors.Wrap(err, "sshcli: new session")
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	plog.Debugf("ssh run: %s", cmd)
	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case err := <-done:
		if err == nil {
			return stdout.String(), nil
		}
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return "", errors.Wrapf(&wrighterrors.CommandError{Cmd: cmd, Code: exitErr.ExitStatus()}, "stderr: %s", stderr.String())
		}
		return "", errors.Wrapf(err, "sshcli: run %q (stderr: %s)", cmd, stderr.String())
	}
}

// DialTCP establishes a transport-level connection for port-forwarded traffic
// (used by the BBP HTTP client in internal/deviceops to reach the device's
// loopback-bound task runner without exposing it on the host network).
func (c *Client) DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := c.client.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "sshcli: tunnel dial %s", addr)
	}
	return conn, nil
}
