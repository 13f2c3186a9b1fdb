package transport

import (
	"fmt"

	"github.com/creack/pty"
	"go.uber.org/zap"
)

// Spawner starts transports, preferring the pty variant.
type Spawner struct {
	Log *zap.SugaredLogger

	// DisablePTY skips the pty variant, e.g. where the deployment restricts pty allocation.
	DisablePTY bool

	// StartPTY defaults to pty.StartWithSize.
	StartPTY PTYStarter
}

// Outcome records which variant a spawn ended up with.
type Outcome struct {
	Kind Kind
	// FellBack is set when the pty variant was attempted and failed.
	FellBack bool
	PTYErr   error
}

// Spawn starts the process described by spec.
// The pty variant is tried at most once; if it fails the pipe variant is tried exactly once.
func (s *Spawner) Spawn(spec Spec, sink Sink) (Transport, Outcome, error) {
	log := s.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	spec = withDefaults(spec)

	var outcome Outcome
	if !s.DisablePTY {
		start := s.StartPTY
		if start == nil {
			start = pty.StartWithSize
		}
		t, err := startPTY(log.Named("pty"), spec, sink, start)
		if err == nil {
			outcome.Kind = KindPTY
			return t, outcome, nil
		}
		log.Warnw("pty spawn failed, falling back to pipes", "Command", spec.Command, "Error", err)
		outcome.FellBack = true
		outcome.PTYErr = err
	}

	t, err := startPipe(log.Named("pipe"), spec, sink)
	if err != nil {
		return nil, outcome, fmt.Errorf("spawning %q: %w", spec.Command, err)
	}
	outcome.Kind = KindPipe
	return t, outcome, nil
}

func withDefaults(spec Spec) Spec {
	if spec.Cols == 0 {
		spec.Cols = defaultCols
	}
	if spec.Rows == 0 {
		spec.Rows = defaultRows
	}
	if spec.KillGrace <= 0 {
		spec.KillGrace = defaultKillGrace
	}
	return spec
}
