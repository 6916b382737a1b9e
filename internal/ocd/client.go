// Package ocd implements the OpenOCD link (spec C4): a spawned `openocd`
// server subprocess and a TCP client speaking its line-oriented TCL RPC
// protocol, used to inject a bundled first-stage bootloader and U-boot over
// JTAG before the device's own serial console exists.
//
// Grounded on mantle/platform/qmp_util.go's newQMPMonitor/listQMPDevices:
// the dial-with-bounded-retry shape and the single-monitor-per-session
// ownership carry over even though OpenOCD's TCL protocol is not JSON, so
// the wire codec itself (Client.Run) is hand-rolled here rather
// than reusing go-qemu/qmp's JSON marshalling.
package ocd

import (
	"bufio"
	"context"
	"net"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"
)

var plog = capnslog.NewPackageLogger("github.com/sbtinstruments/wright", "ocd")

// separator is OpenOCD's TCL RPC framing byte: every request and response
// is terminated by a single 0x1a (Ctrl-Z), never a newline.
const separator = 0x1a

const (
	dialAttempts = 10
	dialDelay    = 500 * time.Millisecond
)

// Client is a single connection to an OpenOCD server's TCL port. Callers
// must serialize access themselves (the owning execution context is the
// sole user for the lifetime of its JTAG session).
type Client struct {
	conn net.Conn
	r    *bufio.Reader
}

// Dial connects to addr (host:port of the TCL port) with the same bounded
// redial shape as the teacher's newQMPMonitor: the server process may still
// be coming up when the first connection attempt is made.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var conn net.Conn
	var lastErr error
	for attempt := 0; attempt < dialAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		var d net.Dialer
		conn, lastErr = d.DialContext(ctx, "tcp", addr)
		if lastErr == nil {
			break
		}
		plog.Debugf("ocd: dial %s attempt %d/%d: %v", addr, attempt+1, dialAttempts, lastErr)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dialDelay):
		}
	}
	if conn == nil {
		return nil, errors.Wrapf(lastErr, "ocd: dial %s", addr)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Close closes the underlying TCP connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Run sends cmd terminated by the TCL separator byte and returns the first
// 0x1a-terminated response. A read that yields a second, immediately
// adjacent frame (the server batched two replies into one TCP segment) logs
// a warning and discards the extra: only the first frame is meaningful to
// the caller, per spec §4.4.
func (c *Client) Run(ctx context.Context, cmd string) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	if _, err := c.conn.Write(append([]byte(cmd), separator)); err != nil {
		return "", errors.Wrapf(err, "ocd: write %q", cmd)
	}

	resp, err := c.r.ReadString(separator)
	if err != nil {
		return "", errors.Wrapf(err, "ocd: read response to %q", cmd)
	}
	resp = resp[:len(resp)-1] // drop the trailing separator

	if n := c.r.Buffered(); n > 0 {
		plog.Warningf("ocd: extra buffered data after response to %q, discarding", cmd)
		c.r.Discard(n)
	}

	plog.Debugf("ocd: %q -> %q", cmd, resp)
	return resp, nil
}
