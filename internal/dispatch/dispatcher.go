// Package dispatch runs the throttled send loop over a snapshot of ledger
// records: quota gating, per-message delay, batch pauses and per-recipient
// failure isolation.
package dispatch

import (
	"context"
	"errors"
	"time"

	"bulksend/internal/clock"
	"bulksend/internal/contacts"
	"bulksend/internal/ledger"
	"bulksend/internal/metrics"
	logx "bulksend/pkg/logx"
)

// Ledger is the subset of the delivery ledger the loop writes to.
type Ledger interface {
	MarkSent(ctx context.Context, id, campaignTag string) error
	MarkFailed(ctx context.Context, id, errMsg string) error
}

type Sender interface {
	SendText(ctx context.Context, id, text string) error
}

type Renderer interface {
	Render(r ledger.Record) (string, error)
}

// Gate is the quota controller contract.
type Gate interface {
	Wait(ctx context.Context) error
	Record()
}

// Membership is an optional durable "already sent" set.
type Membership interface {
	Has(ctx context.Context, key string) (bool, error)
	Add(ctx context.Context, key string) error
}

type Config struct {
	BatchSize   int
	BatchPause  time.Duration
	ErrorDelay  time.Duration
	CampaignTag string
}

type Deps struct {
	Ledger   Ledger
	Sender   Sender
	Renderer Renderer
	Quota    Gate
	Interval Interval
	Sent     Membership // optional
	Clock    clock.Clock
	Log      logx.Logger
}

// Result summarises one Run. Persistent totals come from the ledger.
type Result struct {
	Attempted    int
	Sent         int
	Failed       int
	Skipped      int
	LedgerErrors int
	Batches      int
	Duration     time.Duration
}

type Dispatcher struct {
	cfg Config
	d   Deps
	log logx.Logger
}

func New(cfg Config, d Deps) (*Dispatcher, error) {
	switch {
	case d.Ledger == nil:
		return nil, ErrNoLedger
	case d.Sender == nil:
		return nil, ErrNoSender
	case d.Renderer == nil:
		return nil, ErrNoRenderer
	case d.Quota == nil:
		return nil, ErrNoQuota
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if d.Interval == nil {
		d.Interval = Fixed(0)
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{cfg: cfg, d: d, log: log.With(logx.String("comp", "dispatch"))}, nil
}

// Run processes queue in order. It returns early only when ctx is cancelled
// (or the quota gate fails); individual send or ledger failures never abort it.
func (x *Dispatcher) Run(ctx context.Context, queue []ledger.Record) (res Result, err error) {
	start := x.d.Clock.Now()
	defer func() { res.Duration = x.d.Clock.Now().Sub(start) }()

	total := len(queue)
	if total == 0 {
		x.log.Info("dispatch queue empty")
		return res, nil
	}
	batches := (total + x.cfg.BatchSize - 1) / x.cfg.BatchSize
	x.log.Info("dispatch started",
		logx.Int("recipients", total),
		logx.Int("batch_size", x.cfg.BatchSize),
		logx.Int("batches", batches),
	)

	for b := 0; b < batches; b++ {
		lo := b * x.cfg.BatchSize
		hi := min(lo+x.cfg.BatchSize, total)
		x.log.Info("batch started", logx.Int("batch", b+1), logx.Int("of", batches), logx.Int("size", hi-lo))

		for i := lo; i < hi; i++ {
			last := i == total-1
			if err := x.handle(ctx, queue[i], last, &res); err != nil {
				return res, err
			}
			x.log.Debug("dispatch progress", logx.Int("done", i+1), logx.Int("total", total), logx.Percent("pct", i+1, total))
		}

		res.Batches++
		metrics.BatchesTotal.Inc()
		x.log.Info("batch finished", logx.Int("batch", b+1), logx.Int("sent", res.Sent), logx.Int("failed", res.Failed))

		if b < batches-1 && x.cfg.BatchPause > 0 {
			x.log.Info("pausing between batches", logx.Duration("pause", x.cfg.BatchPause))
			if err := x.d.Clock.Sleep(ctx, x.cfg.BatchPause); err != nil {
				return res, err
			}
		}
	}

	x.log.Info("dispatch finished",
		logx.Int("attempted", res.Attempted),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed),
		logx.Int("skipped", res.Skipped),
		logx.Duration("dur", x.d.Clock.Now().Sub(start)),
	)
	return res, nil
}

// handle processes one record. Only cancellation (or a gate failure) is returned.
func (x *Dispatcher) handle(ctx context.Context, rec ledger.Record, last bool, res *Result) error {
	if err := x.d.Quota.Wait(ctx); err != nil {
		return err
	}
	id := rec.Identifier
	log := x.log.With(logx.String("to", contacts.Redact(id)))

	if x.d.Sent != nil {
		seen, err := x.d.Sent.Has(ctx, id)
		if err != nil {
			log.Warn("sent-set lookup failed", logx.Err(err))
		} else if seen {
			res.Skipped++
			metrics.SendsTotal.WithLabelValues("skipped").Inc()
			log.Warn("recipient already in sent set, skipping")
			if err := x.d.Ledger.MarkSent(ctx, id, x.cfg.CampaignTag); err != nil {
				log.Error("ledger reconcile failed", logx.Err(err))
			}
			return nil
		}
	}

	res.Attempted++
	text, err := x.d.Renderer.Render(rec)
	if err == nil {
		t0 := time.Now()
		err = x.d.Sender.SendText(ctx, id, text)
		metrics.SendDuration.Observe(time.Since(t0).Seconds())
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return ctxErr
		}
		return x.failed(ctx, log, id, err, last, res)
	}

	x.d.Quota.Record()
	res.Sent++
	metrics.SendsTotal.WithLabelValues("sent").Inc()

	if x.d.Sent != nil {
		if err := x.d.Sent.Add(ctx, id); err != nil {
			log.Warn("sent-set add failed", logx.Err(err))
		}
	}
	if err := x.d.Ledger.MarkSent(ctx, id, x.cfg.CampaignTag); err != nil {
		res.LedgerErrors++
		metrics.SendsTotal.WithLabelValues("ledger_error").Inc()
		log.Error("ledger mark sent failed", logx.Err(err))
	}

	if last {
		log.Info("message sent")
		return nil
	}
	delay := x.d.Interval.Next()
	log.Info("message sent", logx.Duration("next_in", delay))
	return x.d.Clock.Sleep(ctx, delay)
}

func (x *Dispatcher) failed(ctx context.Context, log logx.Logger, id string, cause error, last bool, res *Result) error {
	res.Failed++
	metrics.SendsTotal.WithLabelValues("failed").Inc()
	log.Warn("send failed", logx.Err(cause))

	if err := x.d.Ledger.MarkFailed(ctx, id, cause.Error()); err != nil {
		res.LedgerErrors++
		metrics.SendsTotal.WithLabelValues("ledger_error").Inc()
		log.Error("ledger mark failed failed", logx.Err(err))
	}
	if last || x.cfg.ErrorDelay <= 0 {
		return nil
	}
	log.Debug("error delay", logx.Duration("delay", x.cfg.ErrorDelay))
	return x.d.Clock.Sleep(ctx, x.cfg.ErrorDelay)
}
