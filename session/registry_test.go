package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/guseggert/termbridge/session/automaton"
	"github.com/guseggert/termbridge/session/broker"
	"github.com/guseggert/termbridge/session/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func testConfig(t *testing.T) Config {
	return Config{
		SessionsDir:  t.TempDir(),
		Command:      "sh",
		DisablePTY:   true,
		KillGrace:    200 * time.Millisecond,
		HistoryBytes: 64 * 1024,
	}
}

func newTestRegistry(t *testing.T, cfg Config, opts ...Option) *Registry {
	opts = append([]Option{WithLogger(zap.NewNop().Sugar())}, opts...)
	r := NewRegistry(cfg, opts...)
	t.Cleanup(func() {
		require.NoError(t, r.Close(context.Background()))
	})
	return r
}

// readUntil reads events until the accumulated output contains substr, returning everything read.
func readUntil(t *testing.T, sub *broker.Subscription, substr string) []broker.Event {
	t.Helper()
	var events []broker.Event
	var out strings.Builder
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("events closed before %q appeared in %q", substr, out.String())
			}
			events = append(events, ev)
			out.Write(ev.Data)
			if strings.Contains(out.String(), substr) {
				return events
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q, got %q", substr, out.String())
		}
	}
}

// readToExit reads events until exit, returning all of them.
func readToExit(t *testing.T, sub *broker.Subscription) []broker.Event {
	t.Helper()
	var events []broker.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for exit after %d events", len(events))
		}
	}
}

func TestCreateAndCommand(t *testing.T) {
	r := newTestRegistry(t, testConfig(t))

	s := r.Create("alice")
	assert.Equal(t, "alice", s.OwnerID)
	assert.Equal(t, Running, s.State())
	assert.Equal(t, transport.KindPipe, s.TransportKind())
	assert.False(t, s.FellBack())

	fi, err := os.Stat(s.Dir())
	require.NoError(t, err)
	assert.True(t, fi.IsDir())

	got, ok := r.Get(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)

	sub := s.Subscribe()
	defer sub.Close()

	require.NoError(t, s.Command("echo hi; echo $HOME"))
	events := readUntil(t, sub, s.Dir())
	for _, ev := range events {
		assert.Equal(t, s.ID, ev.SessionID)
	}
	assert.Contains(t, string(s.History()), "hi\n")
}

func TestAnonymousOwner(t *testing.T) {
	r := newTestRegistry(t, testConfig(t))
	s := r.Create("")
	assert.Equal(t, "anonymous", s.OwnerID)
}

func TestDestroyIsIdempotent(t *testing.T) {
	r := newTestRegistry(t, testConfig(t))
	s := r.Create("alice")
	sub := s.Subscribe()

	require.NoError(t, r.Destroy(context.Background(), s.ID))
	require.NoError(t, r.Destroy(context.Background(), s.ID))

	_, ok := r.Get(s.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, Exited, s.State())

	events := readToExit(t, sub)
	require.NotEmpty(t, events)
	assert.Equal(t, broker.Exit, events[len(events)-1].Kind)

	assert.ErrorIs(t, s.Command("echo late"), transport.ErrTransportClosed)
}

func TestDestroyUnknownSession(t *testing.T) {
	r := newTestRegistry(t, testConfig(t))
	assert.NoError(t, r.Destroy(context.Background(), "no-such-session"))
}

func TestProcessExitRemovesSession(t *testing.T) {
	cfg := testConfig(t)
	cfg.Args = []string{"-c", "read line; echo bye $line; exit 4"}
	r := newTestRegistry(t, cfg)

	s := r.Create("alice")
	sub := s.Subscribe()
	require.NoError(t, s.Command("now"))

	events := readToExit(t, sub)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, broker.Exit, last.Kind)
	assert.Equal(t, 4, last.Code)

	var out strings.Builder
	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, broker.Output, ev.Kind)
		out.Write(ev.Data)
	}
	assert.Equal(t, "bye now\n", out.String())

	require.Eventually(t, func() bool {
		_, ok := r.Get(s.ID)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, r.Destroy(context.Background(), s.ID))
}

func TestSpawnFailureIsReported(t *testing.T) {
	cfg := testConfig(t)
	cfg.Command = "definitely-not-installed-7f3a"
	r := newTestRegistry(t, cfg)

	s := r.Create("alice")
	assert.Equal(t, Failed, s.State())
	assert.Equal(t, transport.Kind(""), s.TransportKind())
	assert.Equal(t, 1, r.Len())

	// a subscriber attaching after the failure still sees why
	sub := s.Subscribe()
	readUntil(t, sub, "not found in PATH")
	assert.Contains(t, string(s.History()), "failed to start definitely-not-installed-7f3a")

	assert.ErrorIs(t, s.Command("echo hi"), transport.ErrTransportClosed)
	assert.ErrorIs(t, s.Resize(80, 24), transport.ErrTransportClosed)

	require.NoError(t, r.Destroy(context.Background(), s.ID))
	events := readToExit(t, sub)
	require.NotEmpty(t, events)
	assert.Equal(t, -1, events[len(events)-1].Code)
	assert.Equal(t, 0, r.Len())
}

func TestFallbackRecordedOnSession(t *testing.T) {
	cfg := testConfig(t)
	cfg.DisablePTY = false
	r := newTestRegistry(t, cfg, WithSpawner(&transport.Spawner{
		StartPTY: func(cmd *exec.Cmd, ws *pty.Winsize) (*os.File, error) {
			return nil, errors.New("pty allocation restricted")
		},
	}))

	s := r.Create("alice")
	assert.True(t, s.FellBack())
	assert.Equal(t, transport.KindPipe, s.TransportKind())
	assert.Equal(t, Running, s.State())
	assert.NoError(t, s.Resize(100, 40))

	sub := s.Subscribe()
	defer sub.Close()
	require.NoError(t, s.Command("echo still works"))
	readUntil(t, sub, "still works")
}

func TestDestroyWhileSpawning(t *testing.T) {
	cfg := testConfig(t)
	cfg.DisablePTY = false
	cfg.Command = "cat"

	var r *Registry
	r = newTestRegistry(t, cfg, WithSpawner(&transport.Spawner{
		StartPTY: func(cmd *exec.Cmd, ws *pty.Winsize) (*os.File, error) {
			// the session is registered but has no transport yet
			for _, summary := range r.List() {
				require.NoError(t, r.Destroy(context.Background(), summary.ID))
			}
			return nil, errors.New("pty allocation restricted")
		},
	}))

	s := r.Create("alice")
	_, ok := r.Get(s.ID)
	assert.False(t, ok)
	assert.Equal(t, Exited, s.State())
	assert.Equal(t, transport.KindPipe, s.TransportKind())

	// the late transport was terminated before Create returned
	tr := s.currentTransport()
	require.NotNil(t, tr)
	select {
	case <-tr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("destroyed session still owns a running process")
	}
	assert.Equal(t, transport.Exited, tr.State())
	assert.ErrorIs(t, s.Command("echo hi"), transport.ErrTransportClosed)

	// subscribers see exactly one exit
	events := readToExit(t, s.Subscribe())
	require.NotEmpty(t, events)
	assert.Equal(t, broker.Exit, events[len(events)-1].Kind)
	assert.Equal(t, -1, events[len(events)-1].Code)
}

func TestSessionIsolation(t *testing.T) {
	r := newTestRegistry(t, testConfig(t))

	const n = 4
	sessions := make([]*Session, n)
	subs := make([]*broker.Subscription, n)
	for i := range sessions {
		sessions[i] = r.Create(fmt.Sprintf("owner-%d", i))
		subs[i] = sessions[i].Subscribe()
	}

	group, _ := errgroup.WithContext(context.Background())
	for i := range sessions {
		i := i
		group.Go(func() error {
			for j := 0; j < 20; j++ {
				if err := sessions[i].Command(fmt.Sprintf("echo marker-%d-%d", i, j)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())

	for i := range sessions {
		readUntil(t, subs[i], fmt.Sprintf("marker-%d-19", i))
		require.NoError(t, r.Destroy(context.Background(), sessions[i].ID))
	}

	for i, sub := range subs {
		var out strings.Builder
		for _, ev := range readToExit(t, sub) {
			assert.Equal(t, sessions[i].ID, ev.SessionID)
			out.Write(ev.Data)
		}
		for k := range sessions {
			if k != i {
				assert.NotContains(t, out.String(), fmt.Sprintf("marker-%d-", k))
			}
		}
	}
	for i := range sessions {
		assert.Contains(t, string(sessions[i].History()), fmt.Sprintf("marker-%d-19", i))
	}
}

func TestGreeting(t *testing.T) {
	cfg := testConfig(t)
	cfg.Command = "cat"
	cfg.Greeting = "Welcome to termbridge\n"
	cfg.GreetingDelay = 10 * time.Millisecond
	r := newTestRegistry(t, cfg)

	s := r.Create("alice")
	sub := s.Subscribe()
	defer sub.Close()
	readUntil(t, sub, "Welcome to termbridge")
}

func TestPromptAutomaton(t *testing.T) {
	cfg := testConfig(t)
	cfg.Args = []string{"-c", `printf 'Choose the text style for the terminal\n> '; read choice; echo "picked $choice"; read forever`}
	cfg.Prompt = automaton.Rule{Marker: "Choose the text style", Reply: "1\n", Delay: 20 * time.Millisecond}
	r := newTestRegistry(t, cfg)

	s := r.Create("alice")
	sub := s.Subscribe()
	defer sub.Close()
	readUntil(t, sub, "picked 1")
	assert.True(t, s.watcher.Handled())
}

func TestPromptMismatchLooksLikeOutput(t *testing.T) {
	cfg := testConfig(t)
	cfg.Args = []string{"-c", `printf 'Pick a theme: '; read choice; echo "picked $choice"`}
	cfg.Prompt = automaton.Rule{Marker: "Choose the text style", Reply: "1\n", Delay: 10 * time.Millisecond}
	r := newTestRegistry(t, cfg)

	s := r.Create("alice")
	sub := s.Subscribe()
	defer sub.Close()
	readUntil(t, sub, "Pick a theme: ")
	time.Sleep(50 * time.Millisecond)

	assert.False(t, s.watcher.Handled())
	assert.Equal(t, Running, s.State())
	assert.NotContains(t, string(s.History()), "picked")
}

func TestIdleReaper(t *testing.T) {
	cfg := testConfig(t)
	cfg.IdleTimeout = 50 * time.Millisecond
	cfg.ReapInterval = 10 * time.Millisecond
	r := newTestRegistry(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	s := r.Create("alice")
	sub := s.Subscribe()

	require.Eventually(t, func() bool { return r.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	events := readToExit(t, sub)
	require.NotEmpty(t, events)
	assert.Equal(t, broker.Exit, events[len(events)-1].Kind)

	cancel()
	assert.NoError(t, <-done)
}

func TestListSessions(t *testing.T) {
	r := newTestRegistry(t, testConfig(t))
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	a := r.Create("alice")
	b := r.Create("bob")

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, "alice", list[0].OwnerID)
	assert.Equal(t, b.ID, list[1].ID)
	assert.Equal(t, "bob", list[1].OwnerID)
	assert.True(t, list[0].CreatedAt.Before(list[1].CreatedAt))

	before := b.LastActivity()
	require.NoError(t, b.Command("true"))
	assert.True(t, b.LastActivity().After(before))
}

func TestAttachDetachReturnsToBaseline(t *testing.T) {
	r := newTestRegistry(t, testConfig(t))
	s := r.Create("alice")
	base := s.Subscribers()

	for i := 0; i < 25; i++ {
		sub := s.Subscribe()
		assert.Equal(t, base+1, s.Subscribers())
		sub.Close()
		assert.Equal(t, base, s.Subscribers())
	}
}
