// Package events carries asynchronous backend notifications to client sessions.
package events

import (
	"sync"
	"sync/atomic"
)

// Kind names one event stream on the bus.
type Kind string

const (
	// KindTransferProgress carries Progress payloads for the outbound transfer.
	KindTransferProgress Kind = "transfer-progress"
	// KindTransferComplete carries Complete payloads once a send finished.
	KindTransferComplete Kind = "transfer-complete"
	// KindTransferFailed carries Failed payloads when a send that already
	// reached the receiver breaks off.
	KindTransferFailed Kind = "transfer-failed"
	// KindFileReceived carries Received payloads for inbound files.
	KindFileReceived Kind = "file-received"
)

// Progress reports outbound transfer progress.
type Progress struct {
	File    string `json:"file"`
	Percent int    `json:"progress"`
	Sent    int64  `json:"sent"`
	Total   int64  `json:"total"`
}

// Complete reports a finished outbound transfer.
type Complete struct {
	File string `json:"file"`
}

// Failed reports an outbound transfer that stopped after it was accepted.
type Failed struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

// Received reports a file accepted from a remote sender.
type Received struct {
	Name   string `json:"file_name"`
	Path   string `json:"file_path"`
	Sender string `json:"sender,omitempty"`
}

// Event is one bus delivery. Data holds the payload type matching Kind.
type Event struct {
	Kind Kind
	Data any
}

// Handler receives events for one subscription.
type Handler func(Event)

// Subscription is returned by Subscribe. Close is idempotent.
type Subscription struct {
	bus     *Bus
	kind    Kind
	id      uint64
	handler Handler
	closed  atomic.Bool
}

// Close detaches the handler. No Publish started after Close returns reaches it.
func (s *Subscription) Close() {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.bus.remove(s)
}

// Active reports whether the subscription still receives events.
func (s *Subscription) Active() bool {
	return s != nil && !s.closed.Load()
}

func (s *Subscription) deliver(event Event) {
	if s.closed.Load() {
		return
	}
	s.handler(event)
}

// Bus is an in-process publish/subscribe channel.
//
// Publish runs handlers synchronously on the publisher's goroutine, so events
// from one producer arrive in the order they were published.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Kind]map[uint64]*Subscription
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Kind]map[uint64]*Subscription)}
}

// Subscribe registers handler for kind. A nil handler or closed bus yields an
// inactive subscription.
func (b *Bus) Subscribe(kind Kind, handler Handler) *Subscription {
	sub := &Subscription{bus: b, kind: kind, handler: handler}
	if handler == nil {
		sub.closed.Store(true)
		return sub
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closed.Store(true)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	byID := b.subs[kind]
	if byID == nil {
		byID = make(map[uint64]*Subscription)
		b.subs[kind] = byID
	}
	byID[sub.id] = sub
	return sub
}

// Publish delivers data to every active subscriber of kind and returns the
// number of handlers invoked.
func (b *Bus) Publish(kind Kind, data any) int {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs[kind]))
	for _, sub := range b.subs[kind] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	event := Event{Kind: kind, Data: data}
	delivered := 0
	for _, sub := range targets {
		if !sub.Active() {
			continue
		}
		sub.deliver(event)
		delivered++
	}
	return delivered
}

// Close detaches every subscription; later Subscribe calls are inactive.
func (b *Bus) Close() {
	b.mu.Lock()
	all := b.subs
	b.subs = make(map[Kind]map[uint64]*Subscription)
	b.closed = true
	b.mu.Unlock()

	for _, byID := range all {
		for _, sub := range byID {
			sub.closed.Store(true)
		}
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if byID := b.subs[sub.kind]; byID != nil {
		delete(byID, sub.id)
		if len(byID) == 0 {
			delete(b.subs, sub.kind)
		}
	}
}
