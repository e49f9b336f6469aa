// Package messenger defines the remote messaging client contract and the
// session state machine built on top of its events.
package messenger

import (
	"context"
	"errors"
)

var (
	ErrSessionFailed   = errors.New("messenger: session failed")
	ErrReconnectFailed = errors.New("messenger: reconnect failed")
	ErrNotReady        = errors.New("messenger: session not ready")
)

type EventKind string

const (
	EventQRChallenge   EventKind = "qr"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventDisconnected  EventKind = "disconnected"
	EventStateChanged  EventKind = "state_changed"
)

// Event is emitted by a Client. Payload carries the QR text, the disconnect
// reason or the raw remote state depending on Kind.
type Event struct {
	Kind    EventKind
	Payload string
}

// Client is a remote messaging endpoint bound to one authenticated session.
//
// Events must stay open for the client's lifetime; Connect may be called again
// after a disconnect.
type Client interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	Events() <-chan Event
	IsRegistered(ctx context.Context, id string) (bool, error)
	SendText(ctx context.Context, id, text string) error
}
