package transport

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	"go.uber.org/zap"
)

// PTYStarter starts cmd attached to a new pseudo-terminal of the given size and returns the master side.
type PTYStarter func(cmd *exec.Cmd, ws *pty.Winsize) (*os.File, error)

type ptyTransport struct {
	*process
	ptmx *os.File
}

func startPTY(log *zap.SugaredLogger, spec Spec, sink Sink, start PTYStarter) (*ptyTransport, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color", "COLORTERM=truecolor")
	cmd.Env = append(cmd.Env, spec.Env...)

	// the starter makes the child a session leader with the pty as its controlling terminal
	ptmx, err := start(cmd, &pty.Winsize{Cols: spec.Cols, Rows: spec.Rows})
	if err != nil {
		return nil, fmt.Errorf("starting process on pty: %w", err)
	}

	p := newProcess(log, KindPTY, InteractiveIO|Resizable, cmd, sink, spec)
	// closing the terminal is what ends an interactive program, so it gets a hangup first
	p.termSignal = syscall.SIGHUP
	p.out = ptmx
	p.stdin = ptmx

	t := &ptyTransport{process: p, ptmx: ptmx}
	p.run()
	return t, nil
}

func (t *ptyTransport) Resize(cols, rows uint16) error {
	if t.State() == Exited {
		return ErrTransportClosed
	}
	if cols == 0 || rows == 0 {
		t.log.Debugf("ignoring resize to %dx%d", cols, rows)
		return nil
	}
	err := pty.Setsize(t.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		if t.State() == Exited {
			return ErrTransportClosed
		}
		return fmt.Errorf("resizing pty: %w", err)
	}
	return nil
}
