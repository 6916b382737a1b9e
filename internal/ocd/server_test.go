package ocd

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/sbtinstruments/wright/internal/wrighterrors"
)

func TestServerErrReportsNilWhileRunning(t *testing.T) {
	s := &Server{exited: make(chan struct{})}
	if err := s.Err(); err != nil {
		t.Fatalf("Err() on a running server = %v, want nil", err)
	}
}

func TestServerErrReportsServerErrorAfterExit(t *testing.T) {
	s := &Server{exited: make(chan struct{})}
	close(s.exited)
	err := s.Err()
	if err == nil {
		t.Fatalf("expected an error once exited is closed")
	}
	if _, ok := err.(*wrighterrors.ServerError); !ok {
		t.Fatalf("Err() = %T, want *wrighterrors.ServerError", err)
	}
}

// TestStartServerAgainstRealOpenOCD only runs when an openocd binary is on
// PATH, since StartServer spawns it by name and there is no seam to fake the
// subprocess here (unlike client.go's TCP socket, which client_test.go fakes
// directly).
func TestStartServerAgainstRealOpenOCD(t *testing.T) {
	if _, err := exec.LookPath("openocd"); err != nil {
		t.Skip("openocd not found on PATH")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := StartServer(ctx, ServerOptions{ConfigFile: "/nonexistent.cfg"})
	if err == nil {
		t.Fatalf("expected an error for a nonexistent config file")
	}
}
