/*
Package transport spawns and owns the child process behind a session.

There are two variants. The pty variant runs the child on a pseudo-terminal, so control sequences
are preserved and the window can be resized. The pipe variant gives the child a stdin pipe and a
single output pipe shared by stdout and stderr, and cannot be resized.

A Spawner picks the variant: pty first unless it's disabled, then pipe exactly once if the pty
could not be started.

Output and exit are reported to a Sink from one goroutine per transport, in the order the child
produced them. Once exit has been reported no further output is delivered.
*/
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrTransportClosed is returned by operations issued after the process exited or after termination started.
var ErrTransportClosed = errors.New("transport closed")

type Capability uint8

const (
	InteractiveIO Capability = 1 << iota
	Resizable
)

func (c Capability) Has(o Capability) bool { return c&o == o }

type Kind string

const (
	KindPTY  Kind = "pty"
	KindPipe Kind = "pipe"
)

type State int32

const (
	Spawning State = iota
	Live
	Exited
)

func (s State) String() string {
	switch s {
	case Spawning:
		return "spawning"
	case Live:
		return "live"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// Sink receives a transport's events. Calls are serialized and OnExit is called exactly once, last.
type Sink interface {
	OnOutput(b []byte)
	OnExit(code int)
}

// Spec describes the process to spawn.
type Spec struct {
	Command string
	Args    []string
	// Dir is the working directory of the process.
	Dir string
	// Env is appended to the current environment, after the variant's own TERM settings.
	Env []string

	Cols uint16
	Rows uint16

	// KillGrace is how long Terminate waits after the graceful signal before sending SIGKILL.
	KillGrace time.Duration
}

type Transport interface {
	Kind() Kind
	Capabilities() Capability
	State() State
	Pid() int

	// Write sends bytes to the process input.
	Write(b []byte) (int, error)
	// Resize changes the terminal size. It is a no-op for transports without Resizable.
	Resize(cols, rows uint16) error
	// Terminate signals the process and returns once it has exited or ctx is done.
	Terminate(ctx context.Context) error

	// Done is closed after the exit event has been delivered.
	Done() <-chan struct{}
	// ExitCode is the process exit code, valid once Done is closed.
	ExitCode() int
}

const (
	defaultCols      = 80
	defaultRows      = 24
	defaultKillGrace = 3 * time.Second
)
