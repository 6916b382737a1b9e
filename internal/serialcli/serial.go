// Package serialcli implements the serial command-line transport (spec
// C2): a UART command line shared by every U-boot and on-device-Linux
// execution context, each with its own prompt string.
//
// Grounded on go.bug.st/serial (the UART library used by
// other_examples/brianhealey-ampli-pi4 to talk to its STM32) for transport,
// and on mantle/platform.go's Manhole (an interactive-shell-over-a-line
// abstraction) for the "dispatch a line, await a framed response" shape.
package serialcli

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"
	"go.bug.st/serial"

	"github.com/sbtinstruments/wright/internal/wrighterrors"
)

var plog = capnslog.NewPackageLogger("github.com/sbtinstruments/wright", "serialcli")

// readPollInterval is the suspension point named in spec §5: the reader
// goroutine polls the UART for new bytes on this cadence rather than
// blocking indefinitely, so it can observe context cancellation promptly.
const readPollInterval = 10 * time.Millisecond

// Line owns one open UART and the background reader goroutine that buffers
// and frames its output into prompt-delimited "responses".
type Line struct {
	port   serial.Port
	prompt string

	writeMu sync.Mutex // serializes WriteLine against itself and the reader's echo expectations

	responses chan string
	errs      chan error

	bufMu sync.Mutex
	buf   strings.Builder

	closeOnce sync.Once
	done      chan struct{}
}

// Open opens ttyPath at baud 8N1 and starts the background reader. prompt
// is the exact string the owning execution context expects to terminate
// every response (distinct per context, per spec §4.2).
func Open(ttyPath string, baud int, prompt string) (*Line, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(ttyPath, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "serialcli: open %s", ttyPath)
	}
	if err := port.SetReadTimeout(readPollInterval); err != nil {
		port.Close()
		return nil, errors.Wrap(err, "serialcli: set read timeout")
	}

	l := &Line{
		port:      port,
		prompt:    prompt,
		responses: make(chan string, 256),
		errs:      make(chan error, 1),
		done:      make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

// Close stops the reader goroutine and closes the underlying port. Safe to
// call more than once.
func (l *Line) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.port.Close()
	})
	return err
}

func (l *Line) readLoop() {
	buf := make([]byte, 4096)
	for {
		select {
		case <-l.done:
			return
		default:
		}
		n, err := l.port.Read(buf)
		if err != nil {
			select {
			case l.errs <- errors.Wrap(err, "serialcli: read"):
			default:
			}
			return
		}
		if n == 0 {
			continue
		}
		l.appendAndSplit(buf[:n])
	}
}

func (l *Line) appendAndSplit(chunk []byte) {
	l.bufMu.Lock()
	defer l.bufMu.Unlock()

	l.buf.Write(chunk)
	full := l.buf.String()
	parts := strings.Split(full, l.prompt)
	// The final element is always the partial, not-yet-prompted remainder;
	// everything before it is a complete response.
	for _, resp := range parts[:len(parts)-1] {
		select {
		case l.responses <- resp:
		case <-l.done:
			return
		}
	}
	l.buf.Reset()
	l.buf.WriteString(parts[len(parts)-1])
}

// WriteLine sends s+"\n" under the serial-exclusive lock, guaranteeing echo
// round-trips are never interleaved with another writer.
func (l *Line) WriteLine(ctx context.Context, s string) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_, err := l.port.Write([]byte(s + "\n"))
	if err != nil {
		return errors.Wrap(err, "serialcli: write")
	}
	return nil
}

func (l *Line) recv(ctx context.Context) (string, error) {
	select {
	case resp := <-l.responses:
		return resp, nil
	case err := <-l.errs:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// WaitForPrompt receives one response, then drains any further responses
// already queued and returns the last of them, discarding interim noise
// (spec §4.2).
func (l *Line) WaitForPrompt(ctx context.Context) (string, error) {
	resp, err := l.recv(ctx)
	if err != nil {
		return "", err
	}
	for {
		select {
		case next := <-l.responses:
			resp = next
		default:
			return resp, nil
		}
	}
}

// RunOptions configures a Run call.
type RunOptions struct {
	CheckErrorCode  bool
	StripTrailingWS bool
}

// DefaultRunOptions matches spec §4.2's defaults.
func DefaultRunOptions() RunOptions {
	return RunOptions{CheckErrorCode: true, StripTrailingWS: true}
}

// Run writes cmd, awaits its echoed response, and returns the command's
// output (the echoed command prefix stripped). If opts.CheckErrorCode, a
// second `echo $?` round-trip confirms the command exited zero.
func (l *Line) Run(ctx context.Context, cmd string, opts RunOptions) (string, error) {
	if strings.ContainsRune(cmd, '\n') {
		return "", &wrighterrors.ProtocolError{Detail: "command must not contain a newline: " + cmd}
	}

	out, err := l.runOnce(ctx, cmd)
	if err != nil {
		return "", err
	}
	if opts.StripTrailingWS {
		out = strings.TrimRight(out, "\r\n")
	}

	if opts.CheckErrorCode {
		rcOut, err := l.runOnce(ctx, "echo $?")
		if err != nil {
			return "", err
		}
		rcOut = strings.TrimSpace(rcOut)
		code, convErr := strconv.Atoi(rcOut)
		if convErr != nil {
			return "", &wrighterrors.ProtocolError{Detail: "non-numeric exit code echo: " + rcOut}
		}
		if code != 0 {
			return "", &wrighterrors.CommandError{Cmd: cmd, Code: code}
		}
	}

	return out, nil
}

func (l *Line) runOnce(ctx context.Context, cmd string) (string, error) {
	if err := l.WriteLine(ctx, cmd); err != nil {
		return "", err
	}
	resp, err := l.recv(ctx)
	if err != nil {
		return "", err
	}
	echoPrefix := cmd + "\r\n"
	if !strings.HasPrefix(resp, echoPrefix) {
		return "", &wrighterrors.ProtocolError{Detail: "response does not echo command: " + strconv.Quote(resp)}
	}
	return strings.TrimPrefix(resp, echoPrefix), nil
}

// ForcePrompt floods the line with `echo N` for monotonically increasing N
// under a 0.5s per-attempt deadline, until a response equal to N is seen.
// It is used to interrupt a boot sequence and confirm an interactive
// prompt is live even while the device is still emitting spurious output.
func (l *Line) ForcePrompt(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return &wrighterrors.Timeout{Detail: "force-prompt timed out"}
		default:
		}

		attemptCtx, attemptCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		want := strconv.Itoa(n)
		ok := l.tryForcePromptAttempt(attemptCtx, want)
		attemptCancel()
		if ok {
			plog.Debugf("force-prompt succeeded after %d attempts", n+1)
			return nil
		}
	}
}

func (l *Line) tryForcePromptAttempt(ctx context.Context, want string) bool {
	out, err := l.runOnce(ctx, "echo "+want)
	if err != nil {
		// Mismatched or absent echo means the device hasn't reached an
		// interactive prompt yet (still replaying boot log, or a stray
		// kernel message landed between our write and the next prompt
		// delimiter) -- not a hard failure, just "not yet".
		return false
	}
	return strings.TrimSpace(out) == want
}
