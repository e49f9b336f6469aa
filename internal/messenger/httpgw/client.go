// Package httpgw implements messenger.Client against a REST messaging bridge.
//
// Endpoints (relative to BaseURL, {s} is the session name):
//
//	POST /sessions/{s}/start          start or resume the session
//	GET  /sessions/{s}/status         {"state": "...", "qr": "..."}
//	GET  /sessions/{s}/contacts/{id}  {"registered": true}
//	POST /sessions/{s}/messages       {"to": "...", "text": "..."}
//
// Session state is learned by polling the status endpoint.
package httpgw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"bulksend/internal/messenger"
	logx "bulksend/pkg/logx"
)

type Config struct {
	BaseURL      string
	Session      string
	Token        string
	PollInterval time.Duration
	Timeout      time.Duration
	// MaxPollErrors is how many consecutive failed polls while ready are
	// reported as a disconnect.
	MaxPollErrors int
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpgw: %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

type Client struct {
	cfg  Config
	base *url.URL
	http *http.Client
	log  logx.Logger

	events chan messenger.Event

	pollOnce sync.Once
	stop     context.CancelFunc
	wg       sync.WaitGroup

	closeOnce sync.Once
}

var _ messenger.Client = (*Client)(nil)

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("httpgw: base url is required")
	}
	if strings.TrimSpace(cfg.Session) == "" {
		return nil, errors.New("httpgw: session name is required")
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("httpgw: base url: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxPollErrors <= 0 {
		cfg.MaxPollErrors = 3
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:    cfg,
		base:   u,
		http:   &http.Client{Timeout: cfg.Timeout},
		log:    log.With(logx.String("comp", "httpgw"), logx.String("session", cfg.Session)),
		events: make(chan messenger.Event, 16),
	}, nil
}

func (c *Client) Events() <-chan messenger.Event { return c.events }

// Connect asks the bridge to start the session and begins status polling.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, c.sessionPath("start"), nil, nil); err != nil {
		return err
	}
	c.pollOnce.Do(func() {
		pctx, cancel := context.WithCancel(context.Background())
		c.stop = cancel
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.poll(pctx)
		}()
	})
	return nil
}

func (c *Client) Close(context.Context) error {
	c.closeOnce.Do(func() {
		if c.stop != nil {
			c.stop()
		}
		c.wg.Wait()
		close(c.events)
	})
	return nil
}

func (c *Client) IsRegistered(ctx context.Context, id string) (bool, error) {
	var out struct {
		Registered bool `json:"registered"`
	}
	if err := c.do(ctx, http.MethodGet, c.sessionPath("contacts", id), nil, &out); err != nil {
		return false, err
	}
	return out.Registered, nil
}

func (c *Client) SendText(ctx context.Context, id, text string) error {
	body := struct {
		To   string `json:"to"`
		Text string `json:"text"`
	}{To: id, Text: text}
	return c.do(ctx, http.MethodPost, c.sessionPath("messages"), body, nil)
}

type statusResponse struct {
	State string `json:"state"`
	QR    string `json:"qr"`
}

func (c *Client) poll(ctx context.Context) {
	t := time.NewTicker(c.cfg.PollInterval)
	defer t.Stop()

	var (
		lastState string
		lastQR    string
		errs      int
	)
	for {
		var st statusResponse
		err := c.do(ctx, http.MethodGet, c.sessionPath("status"), nil, &st)
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			errs++
			c.log.Debug("status poll failed", logx.Int("consecutive", errs), logx.Err(err))
			if errs == c.cfg.MaxPollErrors && lastState != "" {
				lastState = ""
				c.emit(ctx, messenger.Event{Kind: messenger.EventDisconnected, Payload: "bridge unreachable"})
			}
		default:
			errs = 0
			state := strings.ToLower(strings.TrimSpace(st.State))
			if st.QR != "" && st.QR != lastQR {
				lastQR = st.QR
				c.emit(ctx, messenger.Event{Kind: messenger.EventQRChallenge, Payload: st.QR})
			}
			if state != lastState {
				lastState = state
				c.emit(ctx, messenger.Event{Kind: messenger.EventStateChanged, Payload: state})
				if kind, ok := eventFor(state); ok {
					c.emit(ctx, messenger.Event{Kind: kind, Payload: state})
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// eventFor maps bridge state names onto client events.
func eventFor(state string) (messenger.EventKind, bool) {
	switch state {
	case "authenticated", "paired":
		return messenger.EventAuthenticated, true
	case "ready", "connected", "working":
		return messenger.EventReady, true
	case "disconnected", "stopped", "failed", "logged_out":
		return messenger.EventDisconnected, true
	}
	return "", false
}

func (c *Client) emit(ctx context.Context, ev messenger.Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Client) sessionPath(parts ...string) string {
	segs := append([]string{"sessions", url.PathEscape(c.cfg.Session)}, parts...)
	for i := 2; i < len(segs); i++ {
		segs[i] = url.PathEscape(segs[i])
	}
	return "/" + strings.Join(segs, "/")
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("httpgw: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("httpgw: %s %s: decode: %w", method, path, err)
	}
	return nil
}
