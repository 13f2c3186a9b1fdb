package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	readBufSize = 32 * 1024
	// drainTimeout bounds how long exit waits for the output stream to hit EOF after the child is reaped.
	// A backgrounded grandchild can hold the pty or pipe open indefinitely.
	drainTimeout = time.Second
)

// process is the lifecycle shared by both variants: one reader goroutine, one waiter goroutine,
// and a mutex-guarded emitter that stops output once exit is reported.
type process struct {
	log  *zap.SugaredLogger
	kind Kind
	caps Capability
	cmd  *exec.Cmd
	sink Sink

	killGrace time.Duration
	// termSignal is the graceful signal sent first by Terminate.
	termSignal syscall.Signal

	out   *os.File
	stdin io.WriteCloser

	writeMu sync.Mutex

	state       atomic.Int32
	terminating atomic.Bool

	emitMu sync.Mutex
	exited bool

	readDone  chan struct{}
	done      chan struct{}
	exitCode  int
	closeOnce sync.Once
}

func newProcess(log *zap.SugaredLogger, kind Kind, caps Capability, cmd *exec.Cmd, sink Sink, spec Spec) *process {
	return &process{
		log:       log,
		kind:      kind,
		caps:      caps,
		cmd:       cmd,
		sink:      sink,
		killGrace: spec.KillGrace,
		readDone:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (p *process) Kind() Kind               { return p.kind }
func (p *process) Capabilities() Capability { return p.caps }
func (p *process) State() State             { return State(p.state.Load()) }
func (p *process) Done() <-chan struct{}    { return p.done }

func (p *process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *process) ExitCode() int {
	select {
	case <-p.done:
		return p.exitCode
	default:
		return -1
	}
}

// run marks the process live and starts the reader and waiter. The process must already be started.
func (p *process) run() {
	p.state.Store(int32(Live))
	p.log.Debugf("process %d started", p.Pid())
	go p.readLoop()
	go p.waitLoop()
}

func (p *process) readLoop() {
	defer close(p.readDone)
	buf := make([]byte, readBufSize)
	for {
		n, err := p.out.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			p.emitOutput(b)
		}
		if err != nil {
			// a pty master returns EIO once the last slave fd is closed
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.log.Debugf("output reader got error: %s", err)
			}
			return
		}
	}
}

func (p *process) waitLoop() {
	err := p.cmd.Wait()
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			p.log.Debugf("unexpected wait error: %s", err)
		}
	}

	timer := time.NewTimer(drainTimeout)
	select {
	case <-p.readDone:
	case <-timer.C:
		p.log.Debugf("output of process %d still open %s after exit, closing it", p.Pid(), drainTimeout)
	}
	timer.Stop()
	p.closeFiles()

	p.log.Debugf("process %d exited with code %d", p.Pid(), code)
	p.emitExit(code)
}

func (p *process) closeFiles() {
	p.closeOnce.Do(func() {
		if p.stdin != nil {
			_ = p.stdin.Close()
		}
		if p.out != nil {
			_ = p.out.Close()
		}
	})
}

func (p *process) emitOutput(b []byte) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	if p.exited {
		return
	}
	p.sink.OnOutput(b)
}

func (p *process) emitExit(code int) {
	p.emitMu.Lock()
	p.exited = true
	p.exitCode = code
	p.state.Store(int32(Exited))
	p.sink.OnExit(code)
	p.emitMu.Unlock()
	close(p.done)
}

func (p *process) Write(b []byte) (int, error) {
	if p.State() != Live || p.terminating.Load() {
		return 0, ErrTransportClosed
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	n, err := p.stdin.Write(b)
	if err != nil {
		return n, fmt.Errorf("%w: %s", ErrTransportClosed, err)
	}
	return n, nil
}

func (p *process) Terminate(ctx context.Context) error {
	p.terminating.Store(true)
	select {
	case <-p.done:
		return nil
	default:
	}

	p.log.Debugf("sending %s to process %d", p.termSignal, p.Pid())
	p.signal(p.termSignal)

	timer := time.NewTimer(p.killGrace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		p.log.Debugf("process %d still running after %s, killing", p.Pid(), p.killGrace)
	case <-ctx.Done():
	}

	p.signal(syscall.SIGKILL)
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// signal signals the process group, falling back to the process itself.
// Both variants start the child as a group leader.
func (p *process) signal(sig syscall.Signal) {
	pid := p.Pid()
	if pid <= 0 {
		return
	}
	err := syscall.Kill(-pid, sig)
	if err == nil {
		return
	}
	if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.log.Debugf("error signaling process %d: %s", pid, err)
	}
}
