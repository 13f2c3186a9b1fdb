/*
Package session owns the table of live sessions.

Each session wires one process transport, one output broker and one prompt watcher together.
The Registry is the only shared mutable state; it is safe for concurrent use. A session is
removed from the registry exactly once, whether by Destroy, by the idle reaper, or by its process
exiting.
*/
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/termbridge/session/automaton"
	"github.com/guseggert/termbridge/session/broker"
	"github.com/guseggert/termbridge/session/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultOwner = "anonymous"

type Config struct {
	// SessionsDir is where per-session working areas are created. Empty disables them.
	SessionsDir string
	// ProjectDir, if it exists, is used as the process working directory instead of the session's own.
	ProjectDir string

	Command string
	Args    []string
	Env     []string
	Cols    uint16
	Rows    uint16

	DisablePTY bool
	KillGrace  time.Duration

	Prompt automaton.Rule

	// Greeting is published shortly after a successful spawn, independent of process output.
	Greeting      string
	GreetingDelay time.Duration

	HistoryBytes int

	// IdleTimeout destroys sessions without activity for this long. Zero disables reaping.
	IdleTimeout  time.Duration
	ReapInterval time.Duration
}

type Registry struct {
	log     *zap.SugaredLogger
	cfg     Config
	spawner *transport.Spawner
	now     func() time.Time

	m        sync.Mutex
	sessions map[string]*Session
}

type Option func(r *Registry)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Registry) {
		r.log = l.Named("registry")
	}
}

// WithSpawner overrides the transport spawner built from the config.
func WithSpawner(s *transport.Spawner) Option {
	return func(r *Registry) {
		r.spawner = s
	}
}

func NewRegistry(cfg Config, opts ...Option) *Registry {
	r := &Registry{
		log:      zap.NewNop().Sugar(),
		cfg:      cfg,
		now:      time.Now,
		sessions: map[string]*Session{},
	}
	for _, o := range opts {
		o(r)
	}
	if r.spawner == nil {
		r.spawner = &transport.Spawner{
			Log:        r.log.Named("transport"),
			DisablePTY: cfg.DisablePTY,
		}
	}
	if r.cfg.ReapInterval <= 0 {
		r.cfg.ReapInterval = time.Minute
	}
	return r
}

// Create registers a new session and starts its process. It does not wait for the process to be ready.
// A spawn failure doesn't fail Create: the session is kept in the Failed state with the reason in its output.
func (r *Registry) Create(ownerID string) *Session {
	if ownerID == "" {
		ownerID = defaultOwner
	}
	id := uuid.NewString()
	now := r.now()
	log := r.log.Named("session").With("ID", id)

	s := &Session{
		ID:           id,
		OwnerID:      ownerID,
		CreatedAt:    now,
		log:          log,
		registry:     r,
		broker:       broker.New(id, r.cfg.HistoryBytes),
		lastActivity: now,
		state:        Starting,
	}
	s.watcher = automaton.New(r.cfg.Prompt, s.write, log.Named("automaton"))
	s.dir = r.makeSessionDir(log, id)

	r.m.Lock()
	r.sessions[id] = s
	r.m.Unlock()

	spec := transport.Spec{
		Command:   r.cfg.Command,
		Args:      r.cfg.Args,
		Dir:       r.startDir(s.dir),
		Env:       r.cfg.Env,
		Cols:      r.cfg.Cols,
		Rows:      r.cfg.Rows,
		KillGrace: r.cfg.KillGrace,
	}
	if s.dir != "" {
		spec.Env = append(append([]string(nil), r.cfg.Env...), "HOME="+s.dir)
	}

	t, outcome, err := r.spawner.Spawn(spec, sink{s: s})

	s.m.Lock()
	s.outcome = outcome
	if err != nil {
		if !s.destroyed {
			s.state = Failed
		}
		s.m.Unlock()
		log.Warnw("session spawn failed", "Owner", ownerID, "Command", r.cfg.Command, "Error", err)
		s.broker.Publish([]byte(spawnDiagnostic(r.cfg.Command, err)))
		return s
	}
	s.transport = t
	if s.destroyed {
		s.state = Exited
		s.m.Unlock()
		log.Infow("session destroyed while spawning, terminating its process", "PID", t.Pid())
		if err := t.Terminate(context.Background()); err != nil {
			log.Warnw("error terminating process of destroyed session", "Error", err)
		}
		return s
	}
	if s.state == Starting {
		s.state = Running
	}
	if r.cfg.Greeting != "" {
		greeting := []byte(r.cfg.Greeting)
		s.greeting = time.AfterFunc(r.cfg.GreetingDelay, func() { s.broker.Publish(greeting) })
	}
	s.m.Unlock()

	log.Infow("session created", "Owner", ownerID, "Transport", outcome.Kind, "FellBack", outcome.FellBack, "PID", t.Pid())
	return s
}

func (r *Registry) makeSessionDir(log *zap.SugaredLogger, id string) string {
	if r.cfg.SessionsDir == "" {
		return ""
	}
	dir := filepath.Join(r.cfg.SessionsDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warnw("unable to create session directory", "Dir", dir, "Error", err)
		return ""
	}
	return dir
}

func (r *Registry) startDir(sessionDir string) string {
	if r.cfg.ProjectDir != "" {
		if fi, err := os.Stat(r.cfg.ProjectDir); err == nil && fi.IsDir() {
			return r.cfg.ProjectDir
		}
	}
	return sessionDir
}

func spawnDiagnostic(command string, err error) string {
	msg := fmt.Sprintf("Error: failed to start %s: %s\n", command, err)
	if errors.Is(err, exec.ErrNotFound) {
		msg += fmt.Sprintf("%s was not found in PATH. Install it or configure a different command.\n", command)
	}
	return msg
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.m.Lock()
	defer r.m.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns summaries ordered by creation time.
func (r *Registry) List() []Summary {
	r.m.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.m.Unlock()

	summaries := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, s.Summary())
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].ID < summaries[j].ID
		}
		return summaries[i].CreatedAt.Before(summaries[j].CreatedAt)
	})
	return summaries
}

// PreferredTransport is the variant new sessions try first.
func (r *Registry) PreferredTransport() transport.Kind {
	if r.spawner.DisablePTY {
		return transport.KindPipe
	}
	return transport.KindPTY
}

func (r *Registry) Len() int {
	r.m.Lock()
	defer r.m.Unlock()
	return len(r.sessions)
}

// Destroy removes the session and terminates its process, waiting for it to exit or for ctx.
// Destroying an unknown or already destroyed session is a no-op.
func (r *Registry) Destroy(ctx context.Context, id string) error {
	r.m.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.m.Unlock()
	if !ok {
		r.log.Debugf("session %s not registered, nothing to destroy", id)
		return nil
	}

	r.log.Infow("destroying session", "ID", id)
	if err := s.terminate(ctx); err != nil {
		return fmt.Errorf("terminating session %s: %w", id, err)
	}
	return nil
}

// remove drops s if it's still the registered session for its id.
func (r *Registry) remove(s *Session) {
	r.m.Lock()
	defer r.m.Unlock()
	if cur, ok := r.sessions[s.ID]; ok && cur == s {
		delete(r.sessions, s.ID)
	}
}

// Run reaps idle sessions until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	if r.cfg.IdleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		r.reapIdle(ctx)
	}
}

func (r *Registry) reapIdle(ctx context.Context) {
	cutoff := r.now().Add(-r.cfg.IdleTimeout)
	var idle []string
	r.m.Lock()
	for id, s := range r.sessions {
		if s.LastActivity().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	r.m.Unlock()

	for _, id := range idle {
		r.log.Infow("reaping idle session", "ID", id, "IdleTimeout", r.cfg.IdleTimeout)
		if err := r.Destroy(ctx, id); err != nil {
			r.log.Warnw("error reaping session", "ID", id, "Error", err)
		}
	}
}

// Close destroys every session.
func (r *Registry) Close(ctx context.Context) error {
	r.m.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.m.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		group.Go(func() error { return r.Destroy(groupCtx, id) })
	}
	return group.Wait()
}
