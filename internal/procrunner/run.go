package procrunner

import (
	"bufio"
	"context"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"

	"github.com/sbtinstruments/wright/internal/wrighterrors"
)

var plog = capnslog.NewPackageLogger("github.com/sbtinstruments/wright", "procrunner")

// teardownGrace bounds the SIGTERM-to-SIGKILL grace period, shielded from
// the caller's own context so an already-cancelled ctx doesn't skip it.
const teardownGrace = 5 * time.Second

// Options configures a spawned child (spec §4.6).
type Options struct {
	// StdinFile, if set, is copied verbatim to the child's stdin before
	// the child is expected to read it.
	StdinFile string
	// ErrorRegex, if it matches a line of combined stdout+stderr, marks the
	// child failed: Run returns *wrighterrors.SubprocessError carrying the
	// output, and a Start-ed child is torn down at the matching line.
	ErrorRegex *regexp.Regexp
	// ReadyRegex, if it matches a line, closes the Ready() channel once.
	ReadyRegex *regexp.Regexp
	// CheckRC requires a zero exit status; a non-zero status (or a
	// signal) raises *wrighterrors.SubprocessError.
	CheckRC bool
}

// Process is a running (or exited) child process with line-matched
// readiness and guaranteed teardown on context cancellation.
type Process struct {
	argv []string
	cmd  *execCmd
	opts Options

	ready     chan struct{}
	readyOnce sync.Once

	waited   chan error
	waitErr  error
	waitOnce sync.Once
	waitDone chan struct{}
}

// Start spawns name(arg...) under ctx. Combined stdout+stderr is streamed
// line-by-line to the package logger and scanned against opts' regexes.
// Cancelling ctx sends SIGTERM, waits up to teardownGrace, then SIGKILL.
func Start(ctx context.Context, opts Options, name string, arg ...string) (*Process, error) {
	argv := append([]string{name}, arg...)
	// The exec.Cmd is not bound to ctx (which would SIGKILL at once);
	// supervise handles ctx cancellation with terminate instead.
	cmd := commandContext(context.Background(), name, arg...)

	p := &Process{
		argv:     argv,
		cmd:      cmd,
		opts:     opts,
		ready:    make(chan struct{}),
		waited:   make(chan error, 1),
		waitDone: make(chan struct{}),
	}

	r, w := io.Pipe()
	cmd.Cmd.Stdout = w
	cmd.Cmd.Stderr = w

	if opts.StdinFile != "" {
		f, err := os.Open(opts.StdinFile)
		if err != nil {
			return nil, errors.Wrapf(err, "procrunner: open stdin file %s", opts.StdinFile)
		}
		cmd.Cmd.Stdin = f
	}

	plog.Infof("starting %s", shellquote.Join(argv...))
	if err := cmd.Start(); err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "procrunner: start %s", shellquote.Join(argv...))
	}

	go p.scan(r)
	go p.supervise(ctx)

	return p, nil
}

func (p *Process) scan(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		plog.Infof("%s: %s", p.argv[0], line)
		if p.opts.ErrorRegex != nil && p.opts.ErrorRegex.MatchString(line) {
			plog.Warningf("%s: error pattern matched, tearing down", p.argv[0])
			_ = p.cmd.Kill()
		}
		if p.opts.ReadyRegex != nil && p.opts.ReadyRegex.MatchString(line) {
			p.readyOnce.Do(func() { close(p.ready) })
		}
	}
}

// supervise owns the single call to cmd.Wait and the SIGTERM-then-SIGKILL
// teardown on ctx cancellation.
func (p *Process) supervise(ctx context.Context) {
	go func() { p.waited <- p.cmd.Wait() }()

	select {
	case err := <-p.waited:
		p.finish(err)
	case <-ctx.Done():
		p.terminate()
		p.finish(<-p.waited)
	}
}

// terminate sends SIGTERM and gives the child up to teardownGrace — timed
// against context.Background, never the caller's (already-cancelled) ctx —
// to exit on its own before escalating to SIGKILL.
func (p *Process) terminate() {
	proc := p.cmd.Process
	if proc == nil {
		return
	}
	plog.Infof("%s: sigterm", p.argv[0])
	_ = proc.Signal(syscall.SIGTERM)

	select {
	case err := <-p.waited:
		p.waited <- err // put it back for supervise's/Stop's final receive
		return
	case <-time.After(teardownGrace):
	}

	plog.Infof("%s: sigkill", p.argv[0])
	_ = p.cmd.Kill()
}

func (p *Process) finish(err error) {
	p.waitOnce.Do(func() {
		p.waitErr = err
		close(p.waitDone)
	})
}

// Ready closes once a line matching opts.ReadyRegex has been observed. A
// Process started without ReadyRegex never closes it.
func (p *Process) Ready() <-chan struct{} {
	return p.ready
}

// Wait blocks for process exit and applies opts.CheckRC: with CheckRC set, a
// non-zero exit (or a signal) is reported as *wrighterrors.SubprocessError;
// without it, Wait returns nil.
func (p *Process) Wait() error {
	<-p.waitDone
	if p.waitErr != nil && p.opts.CheckRC {
		return errors.Wrapf(&wrighterrors.SubprocessError{Argv: p.argv}, "procrunner: %v", p.waitErr)
	}
	return nil
}

// Stop tears the child down explicitly (SIGTERM then SIGKILL), for callers
// that hold a Process past their own context's lifetime (e.g. internal/ocd's
// server, which outlives any single RPC's context).
func (p *Process) Stop() {
	select {
	case <-p.waitDone:
		return
	default:
	}
	p.terminate()
	<-p.waitDone
}

// Run spawns name(arg...), waits for completion, and returns its combined
// stdout+stderr. It is the short-lived counterpart to Start/Process, used
// for one-shot helpers such as uhubctl.
func Run(ctx context.Context, opts Options, name string, arg ...string) (string, error) {
	argv := append([]string{name}, arg...)
	cmd := commandContext(ctx, name, arg...)

	var out strings.Builder
	cmd.Cmd.Stdout = &lineLogger{w: &out, tag: name}
	cmd.Cmd.Stderr = cmd.Cmd.Stdout

	if opts.StdinFile != "" {
		f, err := os.Open(opts.StdinFile)
		if err != nil {
			return "", errors.Wrapf(err, "procrunner: open stdin file %s", opts.StdinFile)
		}
		defer f.Close()
		cmd.Cmd.Stdin = f
	}

	plog.Infof("running %s", shellquote.Join(argv...))
	if err := cmd.Start(); err != nil {
		return "", errors.Wrapf(err, "procrunner: start %s", shellquote.Join(argv...))
	}
	err := cmd.Wait()
	result := out.String()

	if opts.ErrorRegex != nil && opts.ErrorRegex.MatchString(result) {
		return result, &wrighterrors.SubprocessError{Argv: argv, Line: result}
	}
	if opts.CheckRC && err != nil {
		return result, errors.Wrapf(&wrighterrors.SubprocessError{Argv: argv}, "procrunner: %v", err)
	}
	return result, nil
}

// lineLogger tees writes both into an accumulating buffer and the package
// logger, one line at a time, so Run()'s short-lived children still show up
// in the log the same way Start()'s long-lived ones do.
type lineLogger struct {
	w   io.Writer
	tag string
	buf strings.Builder
}

func (l *lineLogger) Write(p []byte) (int, error) {
	n, err := l.w.Write(p)
	l.buf.Write(p)
	for {
		s := l.buf.String()
		i := strings.IndexByte(s, '\n')
		if i < 0 {
			break
		}
		plog.Infof("%s: %s", l.tag, strings.TrimRight(s[:i], "\r"))
		l.buf.Reset()
		l.buf.WriteString(s[i+1:])
	}
	return n, err
}
