// Package dryrun is a messenger.Client that never leaves the process. It
// becomes ready immediately on Connect and only logs sends.
package dryrun

import (
	"context"
	"sync"

	"bulksend/internal/contacts"
	"bulksend/internal/messenger"
	logx "bulksend/pkg/logx"
)

type Options struct {
	// Registered decides probe answers. Nil means every identifier is registered.
	Registered func(id string) bool
	// Fail, when set, makes SendText return its error for matching identifiers.
	Fail func(id string) error
}

type Client struct {
	opt Options
	log logx.Logger

	events chan messenger.Event

	mu     sync.Mutex
	sent   []Message
	closed bool
}

type Message struct {
	To   string
	Text string
}

var _ messenger.Client = (*Client)(nil)

func New(opt Options, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		opt:    opt,
		log:    log.With(logx.String("comp", "dryrun")),
		events: make(chan messenger.Event, 8),
	}
}

func (c *Client) Events() <-chan messenger.Event { return c.events }

func (c *Client) Connect(ctx context.Context) error {
	for _, k := range []messenger.EventKind{messenger.EventAuthenticated, messenger.EventReady} {
		select {
		case c.events <- messenger.Event{Kind: k}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Disconnect simulates a dropped session.
func (c *Client) Disconnect(reason string) {
	c.events <- messenger.Event{Kind: messenger.EventDisconnected, Payload: reason}
}

func (c *Client) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *Client) IsRegistered(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if c.opt.Registered == nil {
		return true, nil
	}
	return c.opt.Registered(id), nil
}

func (c *Client) SendText(ctx context.Context, id, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.opt.Fail != nil {
		if err := c.opt.Fail(id); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.sent = append(c.sent, Message{To: id, Text: text})
	c.mu.Unlock()
	c.log.Info("dry-run send", logx.String("to", contacts.Redact(id)), logx.Int("chars", len(text)))
	return nil
}

// Sent returns every message accepted so far.
func (c *Client) Sent() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.sent...)
}
