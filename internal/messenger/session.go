package messenger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bulksend/internal/eventbus"
	logx "bulksend/pkg/logx"
)

type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateAuthenticated State = "authenticated"
	StateReady         State = "ready"
	StateFailed        State = "failed"
)

// Session tracks the client's connection state from its events and
// publishes every transition on the bus.
type Session struct {
	client       Client
	bus          eventbus.Bus
	log          logx.Logger
	readyTimeout time.Duration

	mu      sync.Mutex
	state   State
	changed chan struct{}

	startOnce sync.Once
}

type SessionOptions struct {
	// ReadyTimeout bounds Reconnect. Zero means 2 minutes.
	ReadyTimeout time.Duration
}

func NewSession(client Client, bus eventbus.Bus, log logx.Logger, opt SessionOptions) *Session {
	if bus == nil {
		bus = eventbus.New()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.ReadyTimeout <= 0 {
		opt.ReadyTimeout = 2 * time.Minute
	}
	return &Session{
		client:       client,
		bus:          bus,
		log:          log.With(logx.String("comp", "session")),
		readyTimeout: opt.ReadyTimeout,
		state:        StateDisconnected,
		changed:      make(chan struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start begins consuming client events and connects. The event loop runs
// until ctx is done or the client's event channel closes.
func (s *Session) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		go s.loop(ctx)
	})
	s.transition(StateConnecting, "start")
	if err := s.client.Connect(ctx); err != nil {
		s.transition(StateFailed, err.Error())
		return fmt.Errorf("%w: connect: %v", ErrSessionFailed, err)
	}
	return nil
}

func (s *Session) loop(ctx context.Context) {
	events := s.client.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				s.transition(StateDisconnected, "event stream closed")
				return
			}
			s.handle(ev)
		}
	}
}

func (s *Session) handle(ev Event) {
	switch ev.Kind {
	case EventQRChallenge:
		s.log.Info("pairing required, scan the QR code")
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeQRChallenge, Data: ev.Payload})
	case EventAuthenticated:
		s.transition(StateAuthenticated, "")
	case EventReady:
		s.transition(StateReady, "")
	case EventDisconnected:
		if s.State() == StateFailed {
			return
		}
		s.transition(StateDisconnected, ev.Payload)
	case EventStateChanged:
		s.log.Debug("remote state changed", logx.String("state", ev.Payload))
	default:
		s.log.Debug("unknown client event", logx.String("kind", string(ev.Kind)))
	}
}

func (s *Session) transition(to State, reason string) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	fields := []logx.Field{logx.String("from", string(from)), logx.String("to", string(to))}
	if reason != "" {
		fields = append(fields, logx.String("reason", reason))
	}
	if to == StateFailed || to == StateDisconnected {
		s.log.Warn("session state changed", fields...)
	} else {
		s.log.Info("session state changed", fields...)
	}
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeSessionState,
		Data: eventbus.SessionState{From: string(from), To: string(to), Reason: reason},
	})
}

// WaitReady blocks until the session is ready. It returns ErrSessionFailed
// when the session enters the failed state.
func (s *Session) WaitReady(ctx context.Context) error {
	for {
		s.mu.Lock()
		st, ch := s.state, s.changed
		s.mu.Unlock()

		switch st {
		case StateReady:
			return nil
		case StateFailed:
			return ErrSessionFailed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Reconnect makes exactly one attempt to bring the session back to ready.
// On failure the session moves to failed and ErrReconnectFailed is returned.
func (s *Session) Reconnect(ctx context.Context) error {
	s.log.Warn("attempting reconnect", logx.Duration("timeout", s.readyTimeout))
	s.transition(StateConnecting, "reconnect")

	rctx, cancel := context.WithTimeout(ctx, s.readyTimeout)
	defer cancel()

	err := s.client.Connect(rctx)
	if err == nil {
		err = s.WaitReady(rctx)
	}
	if err != nil {
		s.transition(StateFailed, err.Error())
		return fmt.Errorf("%w: %v", ErrReconnectFailed, err)
	}
	return nil
}

// Close shuts the client down.
func (s *Session) Close(ctx context.Context) error {
	err := s.client.Close(ctx)
	s.transition(StateDisconnected, "closed")
	return err
}
