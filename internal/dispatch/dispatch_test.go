package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulksend/internal/clock"
	"bulksend/internal/ledger"
	"bulksend/internal/quota"
	"bulksend/internal/storage"
	logx "bulksend/pkg/logx"
)

type fakeLedger struct {
	sent      []string
	failed    map[string]string
	failWrite map[string]bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{failed: map[string]string{}, failWrite: map[string]bool{}}
}

func (f *fakeLedger) MarkSent(_ context.Context, id, _ string) error {
	if f.failWrite[id] {
		return errors.New("disk full")
	}
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeLedger) MarkFailed(_ context.Context, id, msg string) error {
	if f.failWrite[id] {
		return errors.New("disk full")
	}
	f.failed[id] = msg
	return nil
}

type fakeSender struct {
	calls []string
	fail  map[string]error
}

func (f *fakeSender) SendText(_ context.Context, id, _ string) error {
	f.calls = append(f.calls, id)
	if err := f.fail[id]; err != nil {
		return err
	}
	return nil
}

type staticRenderer string

func (s staticRenderer) Render(ledger.Record) (string, error) { return string(s), nil }

type openGate struct{ recorded int }

func (g *openGate) Wait(ctx context.Context) error { return ctx.Err() }
func (g *openGate) Record()                        { g.recorded++ }

func records(ids ...string) []ledger.Record {
	out := make([]ledger.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, ledger.Record{Identifier: id, Status: ledger.StatusPending, Registered: true})
	}
	return out
}

func newTestDispatcher(t *testing.T, cfg Config, d Deps) *Dispatcher {
	t.Helper()
	if d.Renderer == nil {
		d.Renderer = staticRenderer("hello")
	}
	if d.Quota == nil {
		d.Quota = &openGate{}
	}
	d.Log = logx.Nop()
	x, err := New(cfg, d)
	require.NoError(t, err)
	return x
}

func TestRunIsolatesFailuresAndPacesSends(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	led := newFakeLedger()
	snd := &fakeSender{fail: map[string]error{"5511900000002": errors.New("not delivered")}}
	gate := &openGate{}

	x := newTestDispatcher(t, Config{BatchSize: 2, BatchPause: time.Minute, ErrorDelay: 30 * time.Second},
		Deps{Ledger: led, Sender: snd, Quota: gate, Interval: Fixed(10 * time.Second), Clock: clk})

	res, err := x.Run(ctx, records("5511900000001", "5511900000002", "5511900000003", "5511900000004", "5511900000005"))
	require.NoError(t, err)

	assert.Equal(t, 5, res.Attempted)
	assert.Equal(t, 4, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, []string{"5511900000001", "5511900000003", "5511900000004", "5511900000005"}, led.sent)
	assert.Equal(t, "not delivered", led.failed["5511900000002"])
	assert.Equal(t, 4, gate.recorded)

	assert.Equal(t, []time.Duration{
		10 * time.Second, // after #1
		30 * time.Second, // error delay after #2
		time.Minute,      // batch pause
		10 * time.Second, // after #3
		10 * time.Second, // after #4
		time.Minute,      // batch pause
		// nothing after the final recipient
	}, clk.Sleeps())
	assert.Equal(t, 3*time.Minute, res.Duration)
}

func TestRunSkipsErrorDelayAfterFinalRecipient(t *testing.T) {
	clk := clock.NewFake(time.Now())
	led := newFakeLedger()
	snd := &fakeSender{fail: map[string]error{"5511900000002": errors.New("boom")}}

	x := newTestDispatcher(t, Config{BatchSize: 10, ErrorDelay: 30 * time.Second},
		Deps{Ledger: led, Sender: snd, Interval: Fixed(5 * time.Second), Clock: clk})
	_, err := x.Run(context.Background(), records("5511900000001", "5511900000002"))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Second}, clk.Sleeps())
}

func TestRunContinuesAfterLedgerWriteFailure(t *testing.T) {
	clk := clock.NewFake(time.Now())
	led := newFakeLedger()
	led.failWrite["5511900000001"] = true
	snd := &fakeSender{}

	x := newTestDispatcher(t, Config{BatchSize: 10}, Deps{Ledger: led, Sender: snd, Clock: clk})
	res, err := x.Run(context.Background(), records("5511900000001", "5511900000002"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, res.LedgerErrors)
	assert.Equal(t, []string{"5511900000002"}, led.sent)
}

func TestRunSkipsMembersOfSentSet(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Now())
	led := newFakeLedger()
	snd := &fakeSender{}
	sent := storage.NewMemory()
	require.NoError(t, sent.Add(ctx, "5511900000001"))

	x := newTestDispatcher(t, Config{BatchSize: 10}, Deps{Ledger: led, Sender: snd, Sent: sent, Clock: clk})
	res, err := x.Run(ctx, records("5511900000001", "5511900000002"))
	require.NoError(t, err)

	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, []string{"5511900000002"}, snd.calls)
	ok, err := sent.Has(ctx, "5511900000002")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunStopsOnCancellation(t *testing.T) {
	clk := clock.NewFake(time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	snd := &fakeSender{}
	led := newFakeLedger()

	x := newTestDispatcher(t, Config{BatchSize: 10}, Deps{Ledger: led, Sender: cancelSender{snd, cancel}, Clock: clk, Interval: Fixed(time.Second)})
	res, err := x.Run(ctx, records("5511900000001", "5511900000002", "5511900000003"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, []string{"5511900000001"}, led.sent)
}

// cancelSender cancels the run right after the first successful send.
type cancelSender struct {
	inner  *fakeSender
	cancel context.CancelFunc
}

func (c cancelSender) SendText(ctx context.Context, id, text string) error {
	err := c.inner.SendText(ctx, id, text)
	c.cancel()
	return err
}

func TestRandomIntervalBounds(t *testing.T) {
	a := NewRandom(15, 30, 42)
	b := NewRandom(15, 30, 42)
	for i := 0; i < 200; i++ {
		d := a.Next()
		assert.Equal(t, d, b.Next())
		assert.GreaterOrEqual(t, d, 15*time.Second)
		assert.LessOrEqual(t, d, 30*time.Second)
		assert.Zero(t, d%time.Second)
	}
	assert.Equal(t, 7*time.Second, NewRandom(7, 3, 1).Next())
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.ErrorIs(t, err, ErrNoLedger)
	_, err = New(Config{}, Deps{Ledger: newFakeLedger()})
	assert.ErrorIs(t, err, ErrNoSender)
}

func TestRerunAfterRestartNeverResends(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	path := filepath.Join(t.TempDir(), "ledger.db")

	led, err := ledger.Open(ctx, ledger.Config{Path: path}, clk, logx.Nop())
	require.NoError(t, err)
	ids := []string{"5511900000001", "5511900000002", "5511900000003"}
	var entries []ledger.Entry
	var regs []ledger.Registration
	for _, id := range ids {
		entries = append(entries, ledger.Entry{Identifier: id})
		regs = append(regs, ledger.Registration{Identifier: id, Registered: true})
	}
	require.NoError(t, led.UpsertPendingBulk(ctx, entries))
	require.NoError(t, led.SetRegistrationBulk(ctx, regs))

	q, err := quota.New(quota.Limits{Hourly: 60, Daily: 1200}, clk, logx.Nop())
	require.NoError(t, err)
	snd := &fakeSender{}
	x := newTestDispatcher(t, Config{BatchSize: 50}, Deps{Ledger: led, Sender: snd, Quota: q, Clock: clk})

	queue, err := led.DispatchQueue(ctx)
	require.NoError(t, err)
	_, err = x.Run(ctx, queue)
	require.NoError(t, err)
	require.NoError(t, led.Close())

	// Simulated restart.
	led2, err := ledger.Open(ctx, ledger.Config{Path: path}, clk, logx.Nop())
	require.NoError(t, err)
	defer led2.Close()
	queue, err = led2.DispatchQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, queue)
	assert.Equal(t, ids, snd.calls)

	st, err := led2.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.Stats{Total: 3, Sent: 3, Registered: 3}, st)
}
