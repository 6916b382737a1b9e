// Package wrighterrors defines the error taxonomy shared by every layer of
// the execution-context engine, so that the recipe and progress layers can
// classify failures (retryable vs. terminal) without importing every leaf
// package.
package wrighterrors

import "fmt"

// ProtocolError reports a violation of a wire-level request/response
// contract: a serial echo mismatch, an OpenOCD TCL framing violation, or an
// unexpected console prompt.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Detail }

// CommandError reports that a device-side command line returned a non-zero
// exit status.
type CommandError struct {
	Cmd  string
	Code int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q exited with code %d", e.Cmd, e.Code)
}

// SubprocessError reports that a locally spawned child process matched its
// configured error pattern, or exited non-zero when that was checked.
type SubprocessError struct {
	Argv []string
	Line string
}

func (e *SubprocessError) Error() string {
	if e.Line != "" {
		return fmt.Sprintf("subprocess %v: %s", e.Argv, e.Line)
	}
	return fmt.Sprintf("subprocess %v failed", e.Argv)
}

// ServerError reports that a long-lived subprocess server (OpenOCD, the TFTP
// server) never reached its ready state, or died before the caller attached.
type ServerError struct {
	Detail string
}

func (e *ServerError) Error() string { return "server error: " + e.Detail }

// ContextExited reports use of an execution context instance after it
// self-closed (state-invalidating command) or was explicitly exited.
type ContextExited struct {
	Context string
}

func (e *ContextExited) Error() string {
	return fmt.Sprintf("execution context %s has exited", e.Context)
}

// Timeout reports that a recipe deadline, or a force-prompt deadline,
// elapsed before the underlying operation completed.
type Timeout struct {
	Detail string
}

func (e *Timeout) Error() string { return "timeout: " + e.Detail }

// ProgramFailed reports that a BBP (Board Bring-up Program) electronics
// self-test ended in a terminal non-Completed state.
type ProgramFailed struct {
	State string
}

func (e *ProgramFailed) Error() string { return "bbp program ended in state " + e.State }

// ValidationError reports a malformed or inconsistent value: a hostname that
// does not match its device type's prefix, a version string that fails the
// version regex, or a bundle missing a device family.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string { return "validation error: " + e.Detail }
