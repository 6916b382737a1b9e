package serialcli

import (
	"context"
	"strings"
	"testing"
)

func newTestLine(prompt string) *Line {
	return &Line{
		prompt:    prompt,
		responses: make(chan string, 256),
		errs:      make(chan error, 1),
		done:      make(chan struct{}),
	}
}

func TestAppendAndSplitEmitsOneResponsePerPrompt(t *testing.T) {
	l := newTestLine("bb> ")
	l.appendAndSplit([]byte("echo 1\r\n1\r\nbb> echo 2\r\n2\r\nbb> "))

	first := <-l.responses
	second := <-l.responses
	if first != "echo 1\r\n1\r\n" {
		t.Errorf("first response = %q", first)
	}
	if second != "echo 2\r\n2\r\n" {
		t.Errorf("second response = %q", second)
	}
	select {
	case extra := <-l.responses:
		t.Fatalf("unexpected third response: %q", extra)
	default:
	}
}

func TestAppendAndSplitBuffersPartialRemainder(t *testing.T) {
	l := newTestLine("bb> ")
	l.appendAndSplit([]byte("echo 1\r\n1\r\nbb"))
	select {
	case r := <-l.responses:
		t.Fatalf("expected no complete response yet, got %q", r)
	default:
	}
	l.appendAndSplit([]byte("> "))
	r := <-l.responses
	if r != "echo 1\r\n1\r\n" {
		t.Fatalf("response after completing the prompt = %q", r)
	}
}

func TestRecvReturnsErrorFromErrsChannel(t *testing.T) {
	l := newTestLine("bb> ")
	wantErr := errFixture("read failure")
	l.errs <- wantErr
	_, err := l.recv(context.Background())
	if err != wantErr {
		t.Fatalf("recv error = %v, want %v", err, wantErr)
	}
}

func TestRecvReturnsContextErrorOnCancellation(t *testing.T) {
	l := newTestLine("bb> ")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.recv(ctx)
	if err != context.Canceled {
		t.Fatalf("recv error = %v, want context.Canceled", err)
	}
}

func TestWaitForPromptDrainsToLastQueuedResponse(t *testing.T) {
	l := newTestLine("bb> ")
	l.responses <- "stale boot noise\r\n"
	l.responses <- "echo 1\r\n1\r\n"

	resp, err := l.WaitForPrompt(context.Background())
	if err != nil {
		t.Fatalf("WaitForPrompt: %v", err)
	}
	if resp != "echo 1\r\n1\r\n" {
		t.Fatalf("WaitForPrompt = %q, want the last queued response", resp)
	}
}

func TestDefaultRunOptions(t *testing.T) {
	opts := DefaultRunOptions()
	if !opts.CheckErrorCode || !opts.StripTrailingWS {
		t.Fatalf("DefaultRunOptions = %+v, want both fields true", opts)
	}
}

type errFixture string

func (e errFixture) Error() string { return string(e) }

func TestRunRejectsEmbeddedNewline(t *testing.T) {
	l := newTestLine("bb> ")
	_, err := l.Run(context.Background(), "echo 1\necho 2", DefaultRunOptions())
	if err == nil {
		t.Fatalf("expected an error for a command containing a newline")
	}
	if !strings.Contains(err.Error(), "newline") {
		t.Fatalf("Run error = %v, want it to mention the newline restriction", err)
	}
}
