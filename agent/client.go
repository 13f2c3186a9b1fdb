package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/guseggert/termbridge/bridge"
	"github.com/guseggert/termbridge/session"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ErrSessionNotFound is returned by the client when the agent doesn't know the session.
var ErrSessionNotFound = errors.New("session not found")

type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)

	waitInterval time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("agent_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

// noRetryKey marks request contexts whose requests must be sent at most once.
type noRetryKey struct{}

func withoutRetries(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRetryKey{}, true)
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the agent at baseURL, e.g. "http://localhost:3000".
func NewClient(log *zap.SugaredLogger, baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base URL scheme %q", u.Scheme)
	}

	c := &Client{
		Logger:       log.Named("agent_client"),
		baseURL:      strings.TrimSuffix(u.String(), "/"),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}
	checkRetry := retryClient.CheckRetry
	if checkRetry == nil {
		checkRetry = retryablehttp.DefaultRetryPolicy
	}
	retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Value(noRetryKey{}) != nil {
			return false, ctx.Err()
		}
		return checkRetry(ctx, resp, err)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c, nil
}

func (c *Client) prepReq(r *http.Request) {
	r.Header.Add("Content-Type", "application/json")
}

// do sends the request and decodes a 200 response into out, if out is non-nil.
func (c *Client) do(ctx context.Context, method, urlPath string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+urlPath, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	c.prepReq(httpReq)

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		if httpResp.StatusCode == http.StatusNotFound {
			return ErrSessionNotFound
		}
		var body string
		b, err := io.ReadAll(httpResp.Body)
		if err != nil {
			body = fmt.Errorf("error reading body: %w", err).Error()
		} else {
			body = string(b)
		}
		return fmt.Errorf("non-200 HTTP status code %d received for %s %s: %s", httpResp.StatusCode, method, urlPath, body)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// CreateSession is never retried, since a lost response may still have spawned a session.
func (c *Client) CreateSession(ctx context.Context, ownerID string) (*CreateSessionResponse, error) {
	var resp CreateSessionResponse
	err := c.do(withoutRetries(ctx), http.MethodPost, "/api/sessions", CreateSessionRequest{OwnerID: ownerID}, &resp)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return &resp, nil
}

// GetSession returns ErrSessionNotFound if the agent doesn't have the session.
func (c *Client) GetSession(ctx context.Context, id string) (*session.Summary, error) {
	var summary session.Summary
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, &summary)
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

func (c *Client) ListSessions(ctx context.Context) ([]session.Summary, error) {
	var summaries []session.Summary
	if err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &summaries); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return summaries, nil
}

// DeleteSession succeeds whether or not the session existed.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	var resp DeleteSessionResponse
	if err := c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(id), nil, &resp); err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.Health(ctx)
			if err == nil {
				c.Logger.Debug("health check succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got health check error: %s", err)
		}
	}
}

// Attach opens the session's WebSocket and waits for the "connected" message.
// It returns ErrSessionNotFound if the agent closes the connection because the session doesn't exist.
func (c *Client) Attach(ctx context.Context, id string) (*Conn, error) {
	u := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws/" + url.PathEscape(id)

	c.Logger.Debugw("dialing WebSocket", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	wsConn.SetReadLimit(bridge.ReadLimit)

	conn := &Conn{conn: wsConn}
	msg, err := conn.Recv(ctx)
	if err != nil {
		wsConn.Close(websocket.StatusNormalClosure, "")
		if websocket.CloseStatus(err) == bridge.StatusSessionNotFound {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("waiting for connected message: %w", err)
	}
	if msg.Type != bridge.TypeConnected {
		wsConn.Close(websocket.StatusPolicyViolation, "expected connected message")
		return nil, fmt.Errorf("expected %q message, got %q", bridge.TypeConnected, msg.Type)
	}
	conn.SessionID = msg.SessionID
	return conn, nil
}

// Conn is an attached session connection.
type Conn struct {
	SessionID string

	conn *websocket.Conn
}

// Send sends a line of input. The agent adds the line terminator.
func (c *Conn) Send(ctx context.Context, command string) error {
	return wsjson.Write(ctx, c.conn, bridge.ClientMessage{Type: bridge.TypeCommand, Command: command})
}

func (c *Conn) Resize(ctx context.Context, cols, rows uint16) error {
	return wsjson.Write(ctx, c.conn, bridge.ClientMessage{Type: bridge.TypeResize, Cols: cols, Rows: rows})
}

// Recv returns the next server message. After an "exit" message it returns the close error,
// which carries status 1000.
func (c *Conn) Recv(ctx context.Context) (bridge.ServerMessage, error) {
	var msg bridge.ServerMessage
	err := wsjson.Read(ctx, c.conn, &msg)
	return msg, err
}

// Close detaches. The session keeps running.
func (c *Conn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
