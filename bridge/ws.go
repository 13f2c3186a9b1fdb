package bridge

import (
	"context"
	"unicode/utf8"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ReadLimit is the largest message either side of the bridge accepts. A larger message closes the
// connection with websocket.StatusMessageTooBig.
const ReadLimit = 1 << 20

// frameSize bounds the output bytes carried per message, so that escaped output stays under ReadLimit.
const frameSize = 16 * 1024

// outputWriter turns raw output bytes into "output" messages.
// Frames end on rune boundaries, and a rune split across writes is held until it completes.
type outputWriter struct {
	log  *zap.SugaredLogger
	ctx  context.Context
	conn *websocket.Conn

	pending []byte
}

func (w *outputWriter) Write(b []byte) (int, error) {
	for _, frame := range w.frames(b) {
		err := wsjson.Write(w.ctx, w.conn, outputMessage{Type: TypeOutput, Data: frame})
		if err != nil {
			return 0, err
		}
	}
	return len(b), nil
}

// Flush sends any held-back partial rune as-is.
func (w *outputWriter) Flush() error {
	if len(w.pending) == 0 {
		return nil
	}
	data := string(w.pending)
	w.pending = nil
	return wsjson.Write(w.ctx, w.conn, outputMessage{Type: TypeOutput, Data: data})
}

func (w *outputWriter) frames(b []byte) []string {
	buf := append(w.pending, b...)
	cut := len(buf)
	for i := len(buf) - 1; i >= 0 && i >= len(buf)-utf8.UTFMax+1; i-- {
		if utf8.RuneStart(buf[i]) {
			if !utf8.FullRune(buf[i:]) {
				cut = i
			}
			break
		}
	}
	w.pending = append([]byte(nil), buf[cut:]...)
	buf = buf[:cut]

	var frames []string
	for len(buf) > 0 {
		n := len(buf)
		if n > frameSize {
			n = frameSize
			for n > 0 && !utf8.RuneStart(buf[n]) {
				n--
			}
			if n == 0 {
				n = frameSize
			}
		}
		frames = append(frames, string(buf[:n]))
		buf = buf[n:]
	}
	if len(frames) > 1 {
		w.log.Debugf("split %d bytes into %d frames", cut, len(frames))
	}
	return frames
}
