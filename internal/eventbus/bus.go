// Package eventbus is a small in-process fanout used to decouple the messaging
// session from the pipeline (state changes, QR challenges, quota waits).
//
// Publish never blocks. Subscribers get buffered channels and a slow
// subscriber drops events instead of stalling the publisher.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by this module.
const (
	TypeSessionState  = "session.state"  // Data: SessionState
	TypeQRChallenge   = "session.qr"     // Data: string (QR payload)
	TypeQuotaWait     = "quota.wait"     // Data: QuotaWait
	TypeRunFinished   = "run.finished"   // Data: RunFinished
	TypeInboxFileSeen = "watch.file"     // Data: string (path)
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type SessionState struct {
	From   string
	To     string
	Reason string
}

type QuotaWait struct {
	Window string
	Wait   time.Duration
}

type RunFinished struct {
	RunID string
	Kind  string
	Err   string
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a channel receiving events of the given types (all
	// types when none are given) and an idempotent unsubscribe func.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch     chan Event
	filter map[string]struct{}
}

func (s *sub) wants(t string) bool {
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[t]
	return ok
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*sub
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s.ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		// The channel may be closed by a concurrent unsubscribe.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.filter = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.filter[t] = struct{}{}
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}
