package session

import (
	"context"
	"sync"
	"time"

	"github.com/guseggert/termbridge/session/automaton"
	"github.com/guseggert/termbridge/session/broker"
	"github.com/guseggert/termbridge/session/transport"
	"go.uber.org/zap"
)

const lineTerminator = "\n"

type State int

const (
	Starting State = iota
	Running
	// Failed means the process could not be spawned. The session stays registered until destroyed.
	Failed
	Exited
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Failed:
		return "failed"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// Summary is the externally visible view of a session.
type Summary struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"ownerId"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Session is one addressable interactive process.
type Session struct {
	ID        string
	OwnerID   string
	CreatedAt time.Time

	log      *zap.SugaredLogger
	registry *Registry
	broker   *broker.Broker
	watcher  *automaton.Watcher
	dir      string

	m            sync.Mutex
	lastActivity time.Time
	state        State
	transport    transport.Transport
	outcome      transport.Outcome
	greeting     *time.Timer
	// destroyed is set once terminate has started, possibly before the transport exists
	destroyed bool
}

func (s *Session) Summary() Summary {
	s.m.Lock()
	defer s.m.Unlock()
	return Summary{
		ID:           s.ID,
		OwnerID:      s.OwnerID,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
	}
}

func (s *Session) State() State {
	s.m.Lock()
	defer s.m.Unlock()
	return s.state
}

func (s *Session) LastActivity() time.Time {
	s.m.Lock()
	defer s.m.Unlock()
	return s.lastActivity
}

// TransportKind is the variant in use, or "" if spawning failed.
func (s *Session) TransportKind() transport.Kind {
	s.m.Lock()
	defer s.m.Unlock()
	if s.transport == nil {
		return ""
	}
	return s.transport.Kind()
}

// FellBack reports whether the pty variant failed and the session runs on pipes.
func (s *Session) FellBack() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.outcome.FellBack
}

// Dir is the session's working area, empty if none could be created.
func (s *Session) Dir() string { return s.dir }

// History is the buffered recent output.
func (s *Session) History() []byte { return s.broker.History() }

// Touch records activity for the idle reaper.
func (s *Session) Touch() {
	now := s.registry.now()
	s.m.Lock()
	s.lastActivity = now
	s.m.Unlock()
}

// Command sends one line of input to the process.
func (s *Session) Command(text string) error {
	return s.Write([]byte(text + lineTerminator))
}

// Write sends raw input to the process. It returns transport.ErrTransportClosed if the process isn't running.
func (s *Session) Write(b []byte) error {
	s.Touch()
	return s.write(b)
}

func (s *Session) write(b []byte) error {
	t := s.currentTransport()
	if t == nil {
		return transport.ErrTransportClosed
	}
	_, err := t.Write(b)
	return err
}

// Resize is a no-op for transports that can't be resized.
func (s *Session) Resize(cols, rows uint16) error {
	s.Touch()
	t := s.currentTransport()
	if t == nil {
		return transport.ErrTransportClosed
	}
	return t.Resize(cols, rows)
}

// Subscribe attaches to the session's events, starting with a replay of the buffered output.
func (s *Session) Subscribe() *broker.Subscription {
	s.Touch()
	return s.broker.Subscribe(true)
}

// Subscribers is the number of currently attached subscribers.
func (s *Session) Subscribers() int { return s.broker.Subscribers() }

func (s *Session) currentTransport() transport.Transport {
	s.m.Lock()
	defer s.m.Unlock()
	return s.transport
}

func (s *Session) stopTimers() {
	s.watcher.Stop()
	s.m.Lock()
	if s.greeting != nil {
		s.greeting.Stop()
	}
	s.m.Unlock()
}

func (s *Session) terminate(ctx context.Context) error {
	s.stopTimers()
	s.m.Lock()
	s.destroyed = true
	t := s.transport
	if t == nil {
		s.state = Exited
	}
	s.m.Unlock()
	if t == nil {
		// still spawning or failed; Create terminates a transport that arrives late
		s.broker.Exit(-1)
		return nil
	}
	return t.Terminate(ctx)
}

// sink adapts transport events onto the session without exposing OnOutput/OnExit on Session.
type sink struct{ s *Session }

func (k sink) OnOutput(b []byte) {
	k.s.broker.Publish(b)
	k.s.watcher.Observe(b)
}

func (k sink) OnExit(code int) {
	s := k.s
	s.m.Lock()
	s.state = Exited
	s.m.Unlock()
	s.stopTimers()
	s.broker.Exit(code)
	s.log.Infow("session process exited", "Code", code)
	s.registry.remove(s)
}
