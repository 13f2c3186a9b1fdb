package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/guseggert/termbridge/session"
	"github.com/guseggert/termbridge/session/broker"
	"github.com/guseggert/termbridge/session/transport"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Sessions looks sessions up by id.
type Sessions interface {
	Get(id string) (*session.Session, bool)
}

type Handler struct {
	Sessions Sessions
	Log      *zap.SugaredLogger

	// OriginPatterns are the cross-origin hosts allowed to connect, see websocket.AcceptOptions.
	OriginPatterns []string
}

// Serve upgrades the request and bridges it to the session until either side goes away.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, sessionID string) {
	log := h.Log.With("SessionID", sessionID)
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
		OriginPatterns:  h.OriginPatterns,
	})
	if err != nil {
		log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(ReadLimit)

	s, ok := h.Sessions.Get(sessionID)
	if !ok {
		log.Debug("session not found, closing conn")
		if err := wsConn.Close(StatusSessionNotFound, ReasonSessionNotFound); err != nil {
			log.Debugf("error closing conn: %s", err)
		}
		return
	}
	log.Debug("accepted WebSocket conn")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	b := &binding{
		log:     log,
		conn:    wsConn,
		session: s,
		ctx:     ctx,
		cancel:  cancel,
	}
	b.run()
}

// binding is one attached connection. It holds the session only for lookups, never ownership.
type binding struct {
	log     *zap.SugaredLogger
	conn    *websocket.Conn
	session *session.Session
	ctx     context.Context
	cancel  func()

	wg            sync.WaitGroup
	closeConnOnce sync.Once
}

func (b *binding) run() {
	err := wsjson.Write(b.ctx, b.conn, connectedMessage{Type: TypeConnected, SessionID: b.session.ID})
	if err != nil {
		b.log.Debugf("error sending connected message: %s", err)
		b.close(websocket.StatusInternalError, "internal error")
		return
	}

	sub := b.session.Subscribe()
	b.wg.Add(1)
	go b.forwardEvents(sub)

	b.readMessages()

	sub.Close()
	b.cancel()
	b.wg.Wait()
	b.log.Debug("detached from session")
}

func (b *binding) close(code websocket.StatusCode, reason string) {
	b.closeConnOnce.Do(func() {
		err := b.conn.Close(code, reason)
		if err != nil {
			b.log.Debugf("error closing conn: %s", err)
		}
	})
}

func (b *binding) forwardEvents(sub *broker.Subscription) {
	defer b.wg.Done()
	out := &outputWriter{
		log:  b.log.Named("output_writer"),
		ctx:  b.ctx,
		conn: b.conn,
	}
	for {
		var ev broker.Event
		var ok bool
		select {
		case ev, ok = <-sub.Events():
			if !ok {
				return
			}
		case <-b.ctx.Done():
			return
		}

		switch ev.Kind {
		case broker.Output:
			if _, err := out.Write(ev.Data); err != nil {
				b.log.Debugf("error forwarding output: %s", err)
				b.close(websocket.StatusInternalError, "internal error")
				return
			}
		case broker.Exit:
			if err := out.Flush(); err != nil {
				b.log.Debugf("error flushing output: %s", err)
			}
			b.log.Debugf("session exited with code %d, closing conn", ev.Code)
			if err := wsjson.Write(b.ctx, b.conn, exitMessage{Type: TypeExit, Code: ev.Code}); err != nil {
				b.log.Debugf("error sending exit message: %s", err)
			}
			b.close(websocket.StatusNormalClosure, ReasonSessionExited)
			return
		}
	}
}

func (b *binding) readMessages() {
	for {
		_, data, err := b.conn.Read(b.ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				b.log.Debug("got normal closure from client")
			case -1:
				b.log.Debugf("message reader got error: %s", err)
				b.close(websocket.StatusInternalError, "internal error")
			default:
				b.log.Debugf("conn closed: %s", err)
			}
			return
		}
		b.handleMessage(data)
	}
}

func (b *binding) handleMessage(data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		b.log.Debugf("malformed client message: %s", err)
		b.sendError("malformed message")
		return
	}

	switch msg.Type {
	case TypeCommand:
		b.log.Debugw("forwarding command", "Bytes", len(msg.Command))
		if err := b.session.Command(msg.Command); err != nil {
			b.sendFailure("command", err)
		}
	case TypeResize:
		if err := b.session.Resize(msg.Cols, msg.Rows); err != nil {
			b.sendFailure("resize", err)
		}
	default:
		b.sendError(fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (b *binding) sendFailure(op string, err error) {
	b.log.Debugf("%s failed: %s", op, err)
	if errors.Is(err, transport.ErrTransportClosed) {
		b.sendError("session is not running")
		return
	}
	b.sendError(op + " failed")
}

func (b *binding) sendError(message string) {
	err := wsjson.Write(b.ctx, b.conn, errorMessage{Type: TypeError, Message: message})
	if err != nil {
		b.log.Debugf("error sending error message: %s", err)
	}
}
