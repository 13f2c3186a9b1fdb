package transport

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"go.uber.org/zap"
)

type pipeTransport struct {
	*process
}

func startPipe(log *zap.SugaredLogger, spec Spec, sink Sink) (*pipeTransport, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), "TERM=dumb", "NO_COLOR=1")
	cmd.Env = append(cmd.Env, spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}

	// stdout and stderr share one pipe so the interleaving we read is the order they were written
	outR, outW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("creating output pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = outW

	err = cmd.Start()
	// the child has its own copy now
	_ = outW.Close()
	if err != nil {
		_ = outR.Close()
		return nil, fmt.Errorf("starting process: %w", err)
	}

	p := newProcess(log, KindPipe, InteractiveIO, cmd, sink, spec)
	p.termSignal = syscall.SIGTERM
	p.out = outR
	p.stdin = stdin

	t := &pipeTransport{process: p}
	p.run()
	return t, nil
}

func (t *pipeTransport) Resize(cols, rows uint16) error {
	if t.State() == Exited {
		return ErrTransportClosed
	}
	return nil
}
