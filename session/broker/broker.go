// Package broker fans a session's output and exit events out to its current subscribers.
package broker

import (
	"sync"
)

type Kind int

const (
	Output Kind = iota
	Exit
)

func (k Kind) String() string {
	if k == Exit {
		return "exit"
	}
	return "output"
}

// Event is tagged with the session it belongs to. Data is set for Output, Code for Exit.
type Event struct {
	SessionID string
	Kind      Kind
	Data      []byte
	Code      int
}

// Broker buffers recent output and delivers every event to every subscriber in publish order.
// Each subscriber drains its own queue, so a slow subscriber never blocks Publish or the other subscribers.
type Broker struct {
	sessionID    string
	historyLimit int

	m           sync.Mutex
	history     [][]byte
	historySize int
	subs        map[*Subscription]struct{}
	exited      bool
	exitCode    int
}

func New(sessionID string, historyLimit int) *Broker {
	return &Broker{
		sessionID:    sessionID,
		historyLimit: historyLimit,
		subs:         map[*Subscription]struct{}{},
	}
}

func (b *Broker) SessionID() string { return b.sessionID }

// Publish delivers an output chunk. Chunks published after Exit are dropped.
func (b *Broker) Publish(data []byte) {
	if len(data) == 0 {
		return
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)

	b.m.Lock()
	defer b.m.Unlock()
	if b.exited {
		return
	}
	b.appendHistory(chunk)
	ev := Event{SessionID: b.sessionID, Kind: Output, Data: chunk}
	for sub := range b.subs {
		sub.enqueue(ev)
	}
}

// Exit delivers the exit event. Only the first call has any effect; it reports whether it was the first.
func (b *Broker) Exit(code int) bool {
	b.m.Lock()
	defer b.m.Unlock()
	if b.exited {
		return false
	}
	b.exited = true
	b.exitCode = code
	ev := Event{SessionID: b.sessionID, Kind: Exit, Code: code}
	for sub := range b.subs {
		sub.enqueue(ev)
		delete(b.subs, sub)
	}
	return true
}

func (b *Broker) Exited() (int, bool) {
	b.m.Lock()
	defer b.m.Unlock()
	return b.exitCode, b.exited
}

// Subscribe registers a subscriber. With replay set, the buffered history is delivered first.
// Subscribing after exit yields the history (if replayed) followed by the exit event.
func (b *Broker) Subscribe(replay bool) *Subscription {
	sub := newSubscription(b)

	b.m.Lock()
	if replay {
		for _, chunk := range b.history {
			sub.enqueue(Event{SessionID: b.sessionID, Kind: Output, Data: chunk})
		}
	}
	if b.exited {
		sub.enqueue(Event{SessionID: b.sessionID, Kind: Exit, Code: b.exitCode})
	} else {
		b.subs[sub] = struct{}{}
	}
	b.m.Unlock()

	go sub.pump()
	return sub
}

// Subscribers is the number of registered subscribers that haven't detached or received exit.
func (b *Broker) Subscribers() int {
	b.m.Lock()
	defer b.m.Unlock()
	return len(b.subs)
}

// History returns a copy of the buffered output.
func (b *Broker) History() []byte {
	b.m.Lock()
	defer b.m.Unlock()
	out := make([]byte, 0, b.historySize)
	for _, chunk := range b.history {
		out = append(out, chunk...)
	}
	return out
}

func (b *Broker) remove(sub *Subscription) {
	b.m.Lock()
	defer b.m.Unlock()
	delete(b.subs, sub)
}

func (b *Broker) appendHistory(chunk []byte) {
	if b.historyLimit <= 0 {
		return
	}
	b.history = append(b.history, chunk)
	b.historySize += len(chunk)
	for b.historySize > b.historyLimit && len(b.history) > 1 {
		b.historySize -= len(b.history[0])
		b.history[0] = nil
		b.history = b.history[1:]
	}
	// a single chunk larger than the limit keeps only its tail
	if b.historySize > b.historyLimit {
		last := b.history[0]
		b.history[0] = last[len(last)-b.historyLimit:]
		b.historySize = b.historyLimit
	}
}
