package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/termbridge/bridge"
	"github.com/guseggert/termbridge/session"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SessionAgent is the HTTP surface of a session registry: session management under /api and
// the WebSocket bridge under /ws.
type SessionAgent struct {
	logger   *zap.SugaredLogger
	registry *session.Registry
	bridge   *bridge.Handler

	listenAddr     string
	originPatterns []string
	destroyTimeout time.Duration
	now            func() time.Time

	m          sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	ready      chan struct{}
	// stopped is set by Shutdown and Stop, including before Run.
	stopped bool
}

type Option func(a *SessionAgent)

func WithListenAddr(s string) Option {
	return func(a *SessionAgent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *SessionAgent) {
		a.logger = l.Named("agent").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *SessionAgent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithOriginPatterns allows cross-origin WebSocket connections from the given host patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(a *SessionAgent) {
		a.originPatterns = patterns
	}
}

// WithDestroyTimeout bounds how long a DELETE waits for the session's process to exit.
func WithDestroyTimeout(d time.Duration) Option {
	return func(a *SessionAgent) {
		a.destroyTimeout = d
	}
}

func New(registry *session.Registry, opts ...Option) (*SessionAgent, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	a := &SessionAgent{
		logger:         zap.NewNop().Sugar(),
		registry:       registry,
		listenAddr:     "0.0.0.0:3000",
		destroyTimeout: 10 * time.Second,
		now:            time.Now,
		ready:          make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	a.bridge = &bridge.Handler{
		Sessions:       registry,
		Log:            a.logger.Named("bridge"),
		OriginPatterns: a.originPatterns,
	}
	return a, nil
}

// Handler returns the agent's routes.
func (a *SessionAgent) Handler() http.Handler {
	router := httprouter.New()
	router.POST("/api/sessions", a.createSession)
	router.GET("/api/sessions", a.listSessions)
	router.GET("/api/sessions/:id", a.getSession)
	router.DELETE("/api/sessions/:id", a.deleteSession)
	router.GET("/api/health", a.health)
	router.GET("/ws/:id", a.attach)
	return router
}

// Run serves HTTP and returns once the agent has stopped. It returns immediately if the agent was already stopped.
func (a *SessionAgent) Run() error {
	listener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	server := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.m.Lock()
	if a.stopped {
		a.m.Unlock()
		listener.Close()
		a.logger.Debugf("agent stopped before serving")
		return nil
	}
	a.httpServer = server
	a.listener = listener
	a.m.Unlock()
	close(a.ready)

	a.logger.Infow("listening", "Addr", listener.Addr().String(), "Transport", a.registry.PreferredTransport())
	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr blocks until the agent is listening and returns its address.
func (a *SessionAgent) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.ready:
	}
	a.m.Lock()
	defer a.m.Unlock()
	return a.listener.Addr(), nil
}

// Shutdown stops accepting requests and waits for in-flight HTTP requests. Attached WebSocket
// connections are hijacked and end when their sessions are destroyed.
func (a *SessionAgent) Shutdown(ctx context.Context) error {
	a.m.Lock()
	a.stopped = true
	server := a.httpServer
	a.m.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (a *SessionAgent) Stop() error {
	a.m.Lock()
	a.stopped = true
	server := a.httpServer
	a.m.Unlock()
	if server == nil {
		return nil
	}
	return server.Close()
}

type CreateSessionRequest struct {
	OwnerID string `json:"ownerId"`
}

type CreateSessionResponse struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"ownerId"`
	CreatedAt    time.Time `json:"createdAt"`
	WebsocketURL string    `json:"websocketUrl"`
}

type DeleteSessionResponse struct {
	Message string `json:"message"`
}

type HealthResponse struct {
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	Transport      string    `json:"transport"`
	ActiveSessions int       `json:"activeSessions"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (a *SessionAgent) createSession(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req CreateSessionRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	s := a.registry.Create(req.OwnerID)
	a.writeJSON(w, http.StatusOK, CreateSessionResponse{
		ID:           s.ID,
		OwnerID:      s.OwnerID,
		CreatedAt:    s.CreatedAt,
		WebsocketURL: "/ws/" + s.ID,
	})
}

func (a *SessionAgent) listSessions(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.writeJSON(w, http.StatusOK, a.registry.List())
}

func (a *SessionAgent) getSession(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s, ok := a.registry.Get(params.ByName("id"))
	if !ok {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "session not found"})
		return
	}
	a.writeJSON(w, http.StatusOK, s.Summary())
}

// deleteSession always succeeds, whether or not the session existed.
func (a *SessionAgent) deleteSession(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")
	ctx, cancel := context.WithTimeout(r.Context(), a.destroyTimeout)
	defer cancel()
	if err := a.registry.Destroy(ctx, id); err != nil {
		a.logger.Warnw("error destroying session", "ID", id, "Error", err)
	}
	a.writeJSON(w, http.StatusOK, DeleteSessionResponse{Message: "session terminated"})
}

func (a *SessionAgent) health(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.writeJSON(w, http.StatusOK, HealthResponse{
		Status:         "ok",
		Timestamp:      a.now().UTC(),
		Transport:      string(a.registry.PreferredTransport()),
		ActiveSessions: a.registry.Len(),
	})
}

func (a *SessionAgent) attach(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.bridge.Serve(w, r, params.ByName("id"))
}

func (a *SessionAgent) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		a.logger.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(b); err != nil {
		a.logger.Debugf("error writing response: %s", err)
	}
}
