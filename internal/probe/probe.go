// Package probe asks the messaging client whether pending identifiers are
// reachable and records the answers in the ledger.
package probe

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"bulksend/internal/clock"
	"bulksend/internal/contacts"
	"bulksend/internal/ledger"
	"bulksend/internal/metrics"
	logx "bulksend/pkg/logx"
)

type Checker interface {
	IsRegistered(ctx context.Context, id string) (bool, error)
}

type Ledger interface {
	SetRegistrationBulk(ctx context.Context, regs []ledger.Registration) error
}

// Membership is the "unregistered" set.
type Membership interface {
	Has(ctx context.Context, key string) (bool, error)
	Add(ctx context.Context, key string) error
}

type Config struct {
	Interval   time.Duration // between probes, default 100ms
	ErrorDelay time.Duration // after a failed probe, default 1s
	FlushEvery int           // buffered answers per bulk write, default 50
}

type Result struct {
	Checked      int
	Registered   int
	Unregistered int
	SkippedKnown int
	Errors       int
}

type Prober struct {
	cfg     Config
	checker Checker
	ledger  Ledger
	known   Membership
	limiter *rate.Limiter
	clock   clock.Clock
	log     logx.Logger
}

// New builds a Prober. known may be nil.
func New(cfg Config, checker Checker, l Ledger, known Membership, clk clock.Clock, log logx.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	if cfg.ErrorDelay <= 0 {
		cfg.ErrorDelay = time.Second
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 50
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Prober{
		cfg:     cfg,
		checker: checker,
		ledger:  l,
		known:   known,
		limiter: rate.NewLimiter(rate.Every(cfg.Interval), 1),
		clock:   clk,
		log:     log.With(logx.String("comp", "probe")),
	}
}

// Run probes every record in order. Probe errors are logged and skipped; a
// ledger flush failure stops the run and is returned.
func (p *Prober) Run(ctx context.Context, recs []ledger.Record) (Result, error) {
	var (
		res Result
		buf = make([]ledger.Registration, 0, p.cfg.FlushEvery)
	)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if err := p.ledger.SetRegistrationBulk(ctx, buf); err != nil {
			return fmt.Errorf("probe: flush %d answers: %w", len(buf), err)
		}
		p.log.Debug("registration answers flushed", logx.Int("count", len(buf)))
		buf = buf[:0]
		return nil
	}

	total := len(recs)
	p.log.Info("registration probe started", logx.Int("pending", total))
	for i, r := range recs {
		id := r.Identifier
		if p.known != nil {
			if seen, err := p.known.Has(ctx, id); err == nil && seen {
				res.SkippedKnown++
				metrics.ProbesTotal.WithLabelValues("known").Inc()
				continue
			}
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return res, err
		}
		ok, err := p.checker.IsRegistered(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Errors++
			metrics.ProbesTotal.WithLabelValues("error").Inc()
			p.log.Warn("registration probe failed", logx.String("id", contacts.Redact(id)), logx.Err(err))
			if err := p.clock.Sleep(ctx, p.cfg.ErrorDelay); err != nil {
				return res, err
			}
			continue
		}

		res.Checked++
		buf = append(buf, ledger.Registration{Identifier: id, Registered: ok})
		if ok {
			res.Registered++
			metrics.ProbesTotal.WithLabelValues("registered").Inc()
		} else {
			res.Unregistered++
			metrics.ProbesTotal.WithLabelValues("unregistered").Inc()
			if p.known != nil {
				if err := p.known.Add(ctx, id); err != nil {
					p.log.Warn("unregistered set add failed", logx.Err(err))
				}
			}
		}

		if len(buf) >= p.cfg.FlushEvery {
			if err := flush(); err != nil {
				return res, err
			}
			p.log.Info("registration probe progress",
				logx.Int("done", i+1),
				logx.Int("total", total),
				logx.Percent("pct", i+1, total),
				logx.Int("registered", res.Registered),
			)
		}
	}
	if err := flush(); err != nil {
		return res, err
	}

	p.log.Info("registration probe finished",
		logx.Int("checked", res.Checked),
		logx.Int("registered", res.Registered),
		logx.Int("unregistered", res.Unregistered),
		logx.Int("skipped_known", res.SkippedKnown),
		logx.Int("errors", res.Errors),
	)
	return res, nil
}
