package procrunner

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/sbtinstruments/wright/internal/wrighterrors"
)

func TestRunCapturesCombinedOutput(t *testing.T) {
	out, err := Run(context.Background(), Options{}, "sh", "-c", "echo hello; echo world >&2")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out, "hello") || !strings.Contains(out, "world") {
		t.Fatalf("Run output = %q, want both stdout and stderr lines", out)
	}
}

func TestRunCheckRCFlagsNonZeroExit(t *testing.T) {
	_, err := Run(context.Background(), Options{CheckRC: true}, "sh", "-c", "exit 1")
	if err == nil {
		t.Fatalf("expected an error for a non-zero exit with CheckRC set")
	}
	if _, ok := errCauseSubprocess(err); !ok {
		t.Fatalf("Run error = %v, want a wrapped *wrighterrors.SubprocessError", err)
	}
}

func TestRunWithoutCheckRCIgnoresNonZeroExit(t *testing.T) {
	out, err := Run(context.Background(), Options{}, "sh", "-c", "echo done; exit 1")
	if err != nil {
		t.Fatalf("Run without CheckRC: %v", err)
	}
	if !strings.Contains(out, "done") {
		t.Fatalf("Run output = %q, want it to contain %q", out, "done")
	}
}

func TestRunErrorRegexMatchesCombinedOutput(t *testing.T) {
	_, err := Run(context.Background(), Options{ErrorRegex: regexp.MustCompile(`Error: .*`)}, "sh", "-c", "echo 'Error: bad thing'")
	if err == nil {
		t.Fatalf("expected an error when ErrorRegex matches the output")
	}
	if _, ok := err.(*wrighterrors.SubprocessError); !ok {
		t.Fatalf("Run error = %T, want *wrighterrors.SubprocessError", err)
	}
}

func TestStartReadyRegexClosesReadyChannel(t *testing.T) {
	p, err := Start(context.Background(), Options{ReadyRegex: regexp.MustCompile("^ready$")}, "sh", "-c", "echo ready; sleep 5")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	select {
	case <-p.Ready():
	case <-time.After(3 * time.Second):
		t.Fatalf("Ready() never closed")
	}
}

func TestStartErrorRegexKillsProcess(t *testing.T) {
	p, err := Start(context.Background(), Options{ErrorRegex: regexp.MustCompile(`Error: .*`)}, "sh", "-c", "echo 'Error: boom'; sleep 5")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-p.waitDone:
	case <-time.After(3 * time.Second):
		t.Fatalf("process was not torn down after matching ErrorRegex")
	}
}

func TestStartCancelContextTerminatesProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p, err := Start(ctx, Options{}, "sleep", "30")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Wait did not return after context cancellation")
	}
}

func errCauseSubprocess(err error) (*wrighterrors.SubprocessError, bool) {
	type causer interface{ Cause() error }
	for err != nil {
		if se, ok := err.(*wrighterrors.SubprocessError); ok {
			return se, true
		}
		c, ok := err.(causer)
		if !ok {
			return nil, false
		}
		err = c.Cause()
	}
	return nil, false
}
