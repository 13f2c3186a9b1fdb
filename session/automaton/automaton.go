/*
Package automaton answers a known one-time startup prompt so a wrapped program can run headless.

It is a single scripted heuristic: a Watcher looks for one marker string in the raw output and,
on the first match only, writes a canned reply after a short settle delay. If the marker never
appears the program is left waiting for input like any other session.
*/
package automaton

import (
	"bytes"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Rule pairs the marker to look for with the reply to send.
type Rule struct {
	Marker string
	Reply  string
	// Delay is how long to wait after the marker before replying, to let the prompt finish rendering.
	Delay time.Duration
}

// WriteFunc sends the reply to the process.
type WriteFunc func(b []byte) error

type Watcher struct {
	log    *zap.SugaredLogger
	rule   Rule
	write  WriteFunc
	marker []byte

	m       sync.Mutex
	handled bool
	stopped bool
	// tail holds the end of the previous chunk so a marker split across reads still matches
	tail  []byte
	timer *time.Timer
	// replied is closed once the reply has been written, or attempted
	replied chan struct{}
}

// New returns a watcher for rule. A rule with an empty marker never matches.
func New(rule Rule, write WriteFunc, log *zap.SugaredLogger) *Watcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Watcher{
		log:     log,
		rule:    rule,
		write:   write,
		marker:  []byte(rule.Marker),
		replied: make(chan struct{}),
	}
}

// Observe inspects a chunk of raw output.
func (w *Watcher) Observe(b []byte) {
	w.m.Lock()
	defer w.m.Unlock()
	if w.handled || w.stopped || len(w.marker) == 0 {
		return
	}

	window := append(w.tail, b...)
	if !bytes.Contains(window, w.marker) {
		keep := len(w.marker) - 1
		if len(window) > keep {
			window = window[len(window)-keep:]
		}
		w.tail = append([]byte(nil), window...)
		return
	}

	w.handled = true
	w.tail = nil
	w.log.Infow("prompt marker seen, scheduling reply", "Marker", w.rule.Marker, "Delay", w.rule.Delay)
	w.timer = time.AfterFunc(w.rule.Delay, w.reply)
}

func (w *Watcher) reply() {
	defer close(w.replied)
	w.m.Lock()
	stopped := w.stopped
	w.m.Unlock()
	if stopped {
		return
	}
	if err := w.write([]byte(w.rule.Reply)); err != nil {
		w.log.Debugf("error writing prompt reply: %s", err)
		return
	}
	w.log.Debugf("wrote prompt reply %q", w.rule.Reply)
}

// Handled reports whether the marker has been seen.
func (w *Watcher) Handled() bool {
	w.m.Lock()
	defer w.m.Unlock()
	return w.handled
}

// Stop disables the watcher and cancels a pending reply.
func (w *Watcher) Stop() {
	w.m.Lock()
	defer w.m.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}
