package ocd

import (
	"context"
	"fmt"
	"regexp"

	"github.com/pkg/errors"

	"github.com/sbtinstruments/wright/internal/procrunner"
	"github.com/sbtinstruments/wright/internal/wrighterrors"
)

var (
	readyPattern = regexp.MustCompile(`Listening on port 3333 for gdb connections`)
	errorPattern = regexp.MustCompile(`Error: .*`)
)

// ServerOptions configures a spawned OpenOCD server (spec §4.4).
type ServerOptions struct {
	ConfigFile string
	// TCLCommands are additional `--command` arguments issued before the
	// config file finishes loading (e.g. ftdi_serial <S>, tcl_port <P>).
	TCLCommands []string
	TCLPort     int
}

// Server owns one running openocd subprocess for the lifetime of a JTAG
// session (spec's LiveUboot context).
type Server struct {
	proc   *procrunner.Process
	exited chan struct{}
}

// StartServer spawns openocd with opts and blocks until it reports ready on
// its GDB port. If the process exits first (e.g. it logged an OpenOCD
// "Error: ..." line and procrunner tore it down), it returns
// *wrighterrors.ServerError; if ctx ends first, it stops the process and
// returns ctx's error.
func StartServer(ctx context.Context, opts ServerOptions) (*Server, error) {
	argv := []string{"--file", opts.ConfigFile}
	for _, cmd := range opts.TCLCommands {
		argv = append(argv, "--command", cmd)
	}
	if opts.TCLPort != 0 {
		argv = append(argv, "--command", fmt.Sprintf("tcl_port %d", opts.TCLPort))
	}

	proc, err := procrunner.Start(ctx, procrunner.Options{
		ErrorRegex: errorPattern,
		ReadyRegex: readyPattern,
	}, "openocd", argv...)
	if err != nil {
		return nil, errors.Wrap(err, "ocd: spawn openocd")
	}

	exited := make(chan struct{})
	go func() { proc.Wait(); close(exited) }()

	select {
	case <-proc.Ready():
		return &Server{proc: proc, exited: exited}, nil
	case <-exited:
		return nil, &wrighterrors.ServerError{Detail: "openocd exited before reporting ready"}
	case <-ctx.Done():
		proc.Stop()
		return nil, ctx.Err()
	}
}

// Stop tears down the OpenOCD server process.
func (s *Server) Stop() {
	s.proc.Stop()
}

// Err returns a *wrighterrors.ServerError if the server process has already
// exited (e.g. it matched errorPattern and procrunner killed it), or nil if
// it is still running.
func (s *Server) Err() error {
	select {
	case <-s.exited:
		return &wrighterrors.ServerError{Detail: "openocd exited"}
	default:
		return nil
	}
}
