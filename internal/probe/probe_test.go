package probe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulksend/internal/clock"
	"bulksend/internal/ledger"
	"bulksend/internal/storage"
	logx "bulksend/pkg/logx"
)

type mapChecker map[string]error

func (m mapChecker) IsRegistered(_ context.Context, id string) (bool, error) {
	if err, ok := m[id]; ok {
		return err == nil, err
	}
	return false, nil
}

type recordingLedger struct {
	flushes [][]ledger.Registration
	fail    bool
}

func (r *recordingLedger) SetRegistrationBulk(_ context.Context, regs []ledger.Registration) error {
	if r.fail {
		return errors.New("database is locked")
	}
	r.flushes = append(r.flushes, append([]ledger.Registration(nil), regs...))
	return nil
}

func recs(ids ...string) []ledger.Record {
	out := make([]ledger.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, ledger.Record{Identifier: id})
	}
	return out
}

var errBridge = errors.New("bridge timeout")

func TestRunRecordsAnswersAndSkipsKnown(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Now())
	known := storage.NewMemory()
	require.NoError(t, known.Add(ctx, "5511900000009"))

	checker := mapChecker{
		"5511900000001": nil,       // registered
		"5511900000003": errBridge, // probe error
	}
	led := &recordingLedger{}
	p := New(Config{Interval: time.Millisecond, FlushEvery: 2}, checker, led, known, clk, logx.Nop())

	res, err := p.Run(ctx, recs("5511900000001", "5511900000002", "5511900000009", "5511900000003", "5511900000004"))
	require.NoError(t, err)

	assert.Equal(t, Result{Checked: 3, Registered: 1, Unregistered: 2, SkippedKnown: 1, Errors: 1}, res)
	assert.Equal(t, [][]ledger.Registration{
		{{Identifier: "5511900000001", Registered: true}, {Identifier: "5511900000002", Registered: false}},
		{{Identifier: "5511900000004", Registered: false}},
	}, led.flushes)
	assert.Equal(t, []time.Duration{time.Second}, clk.Sleeps())

	for _, id := range []string{"5511900000002", "5511900000004"} {
		ok, err := known.Has(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok, id)
	}
}

func TestRunStopsOnFlushFailure(t *testing.T) {
	led := &recordingLedger{fail: true}
	p := New(Config{Interval: time.Millisecond, FlushEvery: 1}, mapChecker{}, led, nil, clock.NewFake(time.Now()), logx.Nop())

	res, err := p.Run(context.Background(), recs("5511900000001", "5511900000002"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Equal(t, 1, res.Checked)
}

func TestRunAgainstLedger(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Now())
	l, err := ledger.Open(ctx, ledger.Config{Path: t.TempDir() + "/ledger.db"}, clk, logx.Nop())
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.UpsertPendingBulk(ctx, []ledger.Entry{{Identifier: "5511900000001"}, {Identifier: "5511900000002"}}))
	pending, err := l.ProbeQueue(ctx)
	require.NoError(t, err)

	p := New(Config{Interval: time.Millisecond}, mapChecker{"5511900000002": nil}, l, nil, clk, logx.Nop())
	_, err = p.Run(ctx, pending)
	require.NoError(t, err)

	q, err := l.DispatchQueue(ctx)
	require.NoError(t, err)
	require.Len(t, q, 1)
	assert.Equal(t, "5511900000002", q[0].Identifier)
}
