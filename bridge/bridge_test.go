package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/guseggert/termbridge/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func newTestServer(t *testing.T, cfg session.Config) (*session.Registry, string) {
	log := zap.NewNop().Sugar()
	reg := session.NewRegistry(cfg, session.WithLogger(log))
	t.Cleanup(func() { reg.Close(context.Background()) })

	h := &Handler{Sessions: reg, Log: log}
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r, strings.TrimPrefix(r.URL.Path, "/ws/"))
	}))
	t.Cleanup(s.Close)
	return reg, "ws" + strings.TrimPrefix(s.URL, "http")
}

func testConfig(t *testing.T) session.Config {
	return session.Config{
		SessionsDir:  t.TempDir(),
		Command:      "sh",
		DisablePTY:   true,
		KillGrace:    200 * time.Millisecond,
		HistoryBytes: 64 * 1024,
	}
}

func dial(t *testing.T, ctx context.Context, baseURL, id string) *websocket.Conn {
	conn, _, err := websocket.Dial(ctx, baseURL+"/ws/"+id, nil)
	require.NoError(t, err)
	conn.SetReadLimit(ReadLimit)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func read(t *testing.T, ctx context.Context, conn *websocket.Conn) ServerMessage {
	t.Helper()
	var msg ServerMessage
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	return msg
}

// readOutputUntil reads messages until output contains substr. Non-output messages are returned too.
func readOutputUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, substr string) []ServerMessage {
	t.Helper()
	var msgs []ServerMessage
	var out strings.Builder
	for !strings.Contains(out.String(), substr) {
		msg := read(t, ctx, conn)
		msgs = append(msgs, msg)
		if msg.Type == TypeOutput {
			out.WriteString(msg.Data)
		}
	}
	return msgs
}

func send(t *testing.T, ctx context.Context, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	require.NoError(t, wsjson.Write(ctx, conn, msg))
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestAttachMissingSession(t *testing.T) {
	ctx := testCtx(t)
	_, url := newTestServer(t, testConfig(t))

	conn := dial(t, ctx, url, "00000000-0000-0000-0000-000000000000")
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, StatusSessionNotFound, websocket.CloseStatus(err))

	var closeErr websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, ReasonSessionNotFound, closeErr.Reason)
}

func TestCommandOutputExit(t *testing.T) {
	ctx := testCtx(t)
	reg, url := newTestServer(t, testConfig(t))
	s := reg.Create("alice")

	conn := dial(t, ctx, url, s.ID)
	msg := read(t, ctx, conn)
	assert.Equal(t, TypeConnected, msg.Type)
	assert.Equal(t, s.ID, msg.SessionID)

	send(t, ctx, conn, ClientMessage{Type: TypeCommand, Command: "echo hi"})
	readOutputUntil(t, ctx, conn, "hi")

	go reg.Destroy(context.Background(), s.ID)

	for {
		msg = read(t, ctx, conn)
		if msg.Type == TypeExit {
			break
		}
		require.Equal(t, TypeOutput, msg.Type)
	}

	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestExitCodeForwarded(t *testing.T) {
	ctx := testCtx(t)
	cfg := testConfig(t)
	cfg.Args = []string{"-c", "read line; exit 5"}
	reg, url := newTestServer(t, cfg)
	s := reg.Create("alice")

	conn := dial(t, ctx, url, s.ID)
	assert.Equal(t, TypeConnected, read(t, ctx, conn).Type)
	send(t, ctx, conn, ClientMessage{Type: TypeCommand, Command: "go"})

	msg := read(t, ctx, conn)
	assert.Equal(t, TypeExit, msg.Type)
	assert.Equal(t, 5, msg.Code)
}

func TestProtocolRobustness(t *testing.T) {
	ctx := testCtx(t)
	reg, url := newTestServer(t, testConfig(t))
	s := reg.Create("alice")

	conn := dial(t, ctx, url, s.ID)
	assert.Equal(t, TypeConnected, read(t, ctx, conn).Type)

	send(t, ctx, conn, ClientMessage{Type: "bogus"})
	msg := read(t, ctx, conn)
	assert.Equal(t, TypeError, msg.Type)
	assert.Contains(t, msg.Message, "bogus")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{not json")))
	msg = read(t, ctx, conn)
	assert.Equal(t, TypeError, msg.Type)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"resize","cols":-1,"rows":10}`)))
	msg = read(t, ctx, conn)
	assert.Equal(t, TypeError, msg.Type)

	send(t, ctx, conn, ClientMessage{Type: TypeCommand, Command: "echo hi"})
	readOutputUntil(t, ctx, conn, "hi")
}

func TestResizeIgnoredWithoutTerminal(t *testing.T) {
	ctx := testCtx(t)
	reg, url := newTestServer(t, testConfig(t))
	s := reg.Create("alice")

	conn := dial(t, ctx, url, s.ID)
	assert.Equal(t, TypeConnected, read(t, ctx, conn).Type)

	send(t, ctx, conn, ClientMessage{Type: TypeResize, Cols: 120, Rows: 40})
	send(t, ctx, conn, ClientMessage{Type: TypeCommand, Command: "echo after-resize"})
	for _, msg := range readOutputUntil(t, ctx, conn, "after-resize") {
		assert.Equal(t, TypeOutput, msg.Type)
	}
}

func TestCommandToFailedSession(t *testing.T) {
	ctx := testCtx(t)
	cfg := testConfig(t)
	cfg.Command = "definitely-not-installed-7f3a"
	reg, url := newTestServer(t, cfg)
	s := reg.Create("alice")

	conn := dial(t, ctx, url, s.ID)
	assert.Equal(t, TypeConnected, read(t, ctx, conn).Type)
	readOutputUntil(t, ctx, conn, "failed to start")

	send(t, ctx, conn, ClientMessage{Type: TypeCommand, Command: "echo hi"})
	var msg ServerMessage
	for {
		msg = read(t, ctx, conn)
		if msg.Type != TypeOutput {
			break
		}
	}
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, "session is not running", msg.Message)
}

func TestDetachKeepsSession(t *testing.T) {
	ctx := testCtx(t)
	reg, url := newTestServer(t, testConfig(t))
	s := reg.Create("alice")
	base := s.Subscribers()

	for i := 0; i < 5; i++ {
		conn, _, err := websocket.Dial(ctx, url+"/ws/"+s.ID, nil)
		require.NoError(t, err)
		assert.Equal(t, TypeConnected, read(t, ctx, conn).Type)
		send(t, ctx, conn, ClientMessage{Type: TypeCommand, Command: "echo round"})
		readOutputUntil(t, ctx, conn, "round")
		require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))

		require.Eventually(t, func() bool { return s.Subscribers() == base }, 5*time.Second, 10*time.Millisecond)
	}

	got, ok := reg.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, session.Running, got.State())

	// a reattached client gets the earlier output replayed
	conn := dial(t, ctx, url, s.ID)
	assert.Equal(t, TypeConnected, read(t, ctx, conn).Type)
	msgs := readOutputUntil(t, ctx, conn, "round\nround\nround\nround\nround\n")
	assert.NotEmpty(t, msgs)
}

func TestLargeCommand(t *testing.T) {
	ctx := testCtx(t)
	reg, url := newTestServer(t, testConfig(t))
	s := reg.Create("alice")

	conn := dial(t, ctx, url, s.ID)
	require.Equal(t, TypeConnected, read(t, ctx, conn).Type)

	// well over the WebSocket default of 32 KiB
	send(t, ctx, conn, ClientMessage{Type: TypeCommand, Command: ": " + strings.Repeat("a", 40000)})
	send(t, ctx, conn, ClientMessage{Type: TypeCommand, Command: "echo after-big"})
	readOutputUntil(t, ctx, conn, "after-big")

	send(t, ctx, conn, ClientMessage{Type: TypeCommand, Command: ": " + strings.Repeat("a", ReadLimit)})
	for {
		var msg ServerMessage
		err := wsjson.Read(ctx, conn, &msg)
		if err != nil {
			assert.Equal(t, websocket.StatusMessageTooBig, websocket.CloseStatus(err))
			break
		}
	}
	_, ok := reg.Get(s.ID)
	assert.True(t, ok)
}

func TestOutputFrames(t *testing.T) {
	w := &outputWriter{log: zap.NewNop().Sugar()}

	// "é" is two bytes, split across writes
	b := []byte("caf\xc3")
	assert.Equal(t, []string{"caf"}, w.frames(b))
	assert.Equal(t, []string{"\xc3\xa9!"}, w.frames([]byte("\xa9!")))
	assert.Empty(t, w.pending)

	big := strings.Repeat("€", frameSize)
	frames := w.frames([]byte(big))
	require.Greater(t, len(frames), 1)
	var joined strings.Builder
	for _, f := range frames {
		assert.True(t, utf8.ValidString(f))
		assert.LessOrEqual(t, len(f), frameSize)
		joined.WriteString(f)
	}
	assert.Equal(t, big, joined.String())

	// invalid bytes aren't held back forever
	assert.Equal(t, []string{"\xffabc"}, w.frames([]byte("\xffabc")))
}
