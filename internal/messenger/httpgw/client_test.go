package httpgw

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulksend/internal/messenger"
	logx "bulksend/pkg/logx"
)

type bridge struct {
	mu       sync.Mutex
	statuses []statusResponse // served in order, last one repeats
	sent     []map[string]string
	auth     []string
}

func (b *bridge) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions/{s}/start", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.auth = append(b.auth, r.Header.Get("Authorization"))
		b.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /sessions/{s}/status", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		st := b.statuses[0]
		if len(b.statuses) > 1 {
			b.statuses = b.statuses[1:]
		}
		b.mu.Unlock()
		_ = json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("GET /sessions/{s}/contacts/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]bool{"registered": r.PathValue("id") == "5511987654321"})
	})
	mux.HandleFunc("POST /sessions/{s}/messages", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if body["to"] == "5511000000000" {
			http.Error(w, "number blocked", http.StatusUnprocessableEntity)
			return
		}
		b.mu.Lock()
		b.sent = append(b.sent, body)
		b.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	return mux
}

func newTestClient(t *testing.T, b *bridge) *Client {
	t.Helper()
	srv := httptest.NewServer(b.handler())
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/", Session: "main", Token: "s3cret", PollInterval: 5 * time.Millisecond}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func collect(t *testing.T, ch <-chan messenger.Event, until messenger.EventKind) []messenger.Event {
	t.Helper()
	var out []messenger.Event
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
			if ev.Kind == until {
				return out
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s, got %v", until, out)
		}
	}
}

func TestConnectEmitsLifecycleEvents(t *testing.T) {
	b := &bridge{statuses: []statusResponse{
		{State: "qr", QR: "2@abc"},
		{State: "qr", QR: "2@abc"},
		{State: "authenticated"},
		{State: "READY"},
	}}
	c := newTestClient(t, b)
	require.NoError(t, c.Connect(context.Background()))

	evs := collect(t, c.Events(), messenger.EventReady)
	var kinds []messenger.EventKind
	for _, ev := range evs {
		if ev.Kind != messenger.EventStateChanged {
			kinds = append(kinds, ev.Kind)
		}
	}
	assert.Equal(t, []messenger.EventKind{messenger.EventQRChallenge, messenger.EventAuthenticated, messenger.EventReady}, kinds)
	assert.Equal(t, "2@abc", evs[0].Payload)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, []string{"Bearer s3cret"}, b.auth)
}

func TestIsRegisteredAndSendText(t *testing.T) {
	b := &bridge{statuses: []statusResponse{{State: "ready"}}}
	c := newTestClient(t, b)
	ctx := context.Background()

	ok, err := c.IsRegistered(ctx, "5511987654321")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.IsRegistered(ctx, "5511900000000")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SendText(ctx, "5511987654321", "oi"))
	b.mu.Lock()
	assert.Equal(t, []map[string]string{{"to": "5511987654321", "text": "oi"}}, b.sent)
	b.mu.Unlock()

	err = c.SendText(ctx, "5511000000000", "oi")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnprocessableEntity, se.Code)
	assert.Contains(t, se.Body, "number blocked")
}

func TestPollReportsUnreachableBridgeAsDisconnect(t *testing.T) {
	var fail sync.Map
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions/{s}/start", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("GET /sessions/{s}/status", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := fail.Load("on"); ok {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"state":"ready"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Session: "main", PollInterval: 5 * time.Millisecond, MaxPollErrors: 2}, logx.Nop())
	require.NoError(t, err)
	defer c.Close(context.Background())

	require.NoError(t, c.Connect(context.Background()))
	collect(t, c.Events(), messenger.EventReady)
	fail.Store("on", true)
	evs := collect(t, c.Events(), messenger.EventDisconnected)
	assert.Equal(t, "bridge unreachable", evs[len(evs)-1].Payload)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Session: "x"}, logx.Nop())
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "http://localhost"}, logx.Nop())
	assert.Error(t, err)
}
