package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"bulksend/internal/contacts"
	"bulksend/internal/dispatch"
	"bulksend/internal/eventbus"
	"bulksend/internal/ledger"
	"bulksend/internal/messenger"
	"bulksend/internal/metrics"
	"bulksend/internal/probe"
	"bulksend/internal/templates"
	logx "bulksend/pkg/logx"
)

const (
	KindRun   = "run"
	KindRetry = "retry"
	KindWatch = "watch"
)

// Summary describes one pipeline run. Ledger holds the persistent totals
// read after dispatch.
type Summary struct {
	RunID    string
	Kind     string
	Input    contacts.Stats
	Probe    probe.Result
	Dispatch dispatch.Result
	Ledger   ledger.Stats
}

// Run ingests the configured CSV file, probes new recipients and dispatches
// every eligible one.
func (a *App) Run(ctx context.Context) (Summary, error) {
	return a.pipeline(ctx, KindRun, a.cfg.Input.Path)
}

// RunFile is Run on an explicit file; watch mode feeds it inbox files.
func (a *App) RunFile(ctx context.Context, path string) (Summary, error) {
	return a.pipeline(ctx, KindWatch, path)
}

// Retry dispatches the retry queue (failed, under the retry limit) without
// ingesting or probing.
func (a *App) Retry(ctx context.Context) (Summary, error) {
	return a.pipeline(ctx, KindRetry, "")
}

func (a *App) pipeline(ctx context.Context, kind, path string) (sum Summary, err error) {
	sum = Summary{RunID: uuid.NewString(), Kind: kind}
	log := a.log.With(logx.String("run", sum.RunID), logx.String("kind", kind))
	defer func() {
		result := "ok"
		ev := eventbus.RunFinished{RunID: sum.RunID, Kind: kind}
		if err != nil {
			result = "error"
			ev.Err = err.Error()
		}
		metrics.RunsTotal.WithLabelValues(kind, result).Inc()
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeRunFinished, Data: ev})
	}()

	// Input problems abort before the client is touched.
	var recipients []contacts.Contact
	if kind != KindRetry {
		recipients, sum.Input, err = a.loadContacts(log, path)
		if err != nil {
			return sum, err
		}
	}

	renderer, err := templates.New(a.cfg.Templates)
	if err != nil {
		return sum, err
	}
	gate, err := a.quotaController()
	if err != nil {
		return sum, err
	}

	sess, err := a.connect(ctx)
	if err != nil {
		return sum, err
	}
	log.Info("session ready, starting pipeline")

	runCtx, cancel := context.WithCancelCause(ctx)
	stopWatch := a.watchSession(runCtx, sess, cancel, log)
	defer stopWatch()
	defer cancel(nil)
	defer func() {
		if cause := context.Cause(runCtx); errors.Is(cause, ErrReconnectFailed) {
			err = cause
		}
	}()

	if kind != KindRetry {
		if err = a.seed(runCtx, log, recipients, batchLabel(a.cfg.Input.SourceBatch, path)); err != nil {
			return sum, err
		}
		if sum.Probe, err = a.probe(runCtx, log); err != nil {
			return sum, err
		}
	}

	var queue []ledger.Record
	if kind == KindRetry {
		queue, err = a.ledger.RetryQueue(runCtx)
	} else {
		queue, err = a.ledger.DispatchQueue(runCtx)
	}
	if err != nil {
		return sum, fmt.Errorf("load queue: %w", err)
	}

	if len(queue) > 0 && a.cfg.StartDelay > 0 {
		log.Info("starting dispatch", logx.Int("queue", len(queue)), logx.Duration("in", a.cfg.StartDelay))
		if err = a.clock.Sleep(runCtx, a.cfg.StartDelay); err != nil {
			return sum, err
		}
	}

	d, err := dispatch.New(a.cfg.Dispatch, dispatch.Deps{
		Ledger:   a.ledger,
		Sender:   readySender{session: sess, client: a.client},
		Renderer: renderer,
		Quota:    gate,
		Interval: a.cfg.Delay.Provider(),
		Sent:     a.sent,
		Clock:    a.clock,
		Log:      log,
	})
	if err != nil {
		return sum, err
	}
	sum.Dispatch, err = d.Run(runCtx, queue)
	if err != nil {
		return sum, err
	}

	if sum.Ledger, err = a.ledger.Stats(ctx); err != nil {
		return sum, fmt.Errorf("read stats: %w", err)
	}
	logSummary(log, sum)
	return sum, nil
}

func (a *App) loadContacts(log logx.Logger, path string) ([]contacts.Contact, contacts.Stats, error) {
	rows, err := contacts.ReadFile(path, a.cfg.Input.Columns)
	if err != nil {
		return nil, contacts.Stats{}, err
	}
	n := contacts.NewNormalizer(contacts.Options{
		CountryPrefix: a.cfg.Input.CountryPrefix,
		ChunkSize:     a.cfg.Input.ChunkSize,
		Progress: func(done, total int, st contacts.Stats) {
			log.Debug("normalizing", logx.Int("rows", done), logx.Int("total", total), logx.Percent("pct", done, total), logx.Int("valid", st.Valid))
		},
	})
	out, st := n.Normalize(rows)
	log.Info("contacts loaded",
		logx.String("file", filepath.Base(path)),
		logx.Int("rows", st.Total),
		logx.Int("valid", st.Valid),
		logx.Int("invalid", st.Invalid),
		logx.Int("duplicates", st.Duplicates),
	)
	if len(out) == 0 {
		return nil, st, fmt.Errorf("%w: no valid phone numbers in %s", contacts.ErrInput, path)
	}
	return out, st, nil
}

// seed upserts recipients in chunks; each chunk is one transaction.
func (a *App) seed(ctx context.Context, log logx.Logger, cs []contacts.Contact, label string) error {
	size := a.cfg.Input.ChunkSize
	if size <= 0 {
		size = contacts.DefaultChunkSize
	}
	for lo := 0; lo < len(cs); lo += size {
		hi := min(lo+size, len(cs))
		entries := make([]ledger.Entry, 0, hi-lo)
		for _, c := range cs[lo:hi] {
			entries = append(entries, ledger.Entry{
				Identifier: c.Identifier,
				Meta: ledger.Meta{
					CampaignTag: a.cfg.Dispatch.CampaignTag,
					SourceBatch: label,
					DisplayName: c.Name,
				},
			})
		}
		if err := a.ledger.UpsertPendingBulk(ctx, entries); err != nil {
			return fmt.Errorf("seed ledger: %w", err)
		}
		log.Debug("ledger seeded", logx.Int("done", hi), logx.Int("total", len(cs)), logx.Percent("pct", hi, len(cs)))
	}
	log.Info("ledger seeded", logx.Int("recipients", len(cs)), logx.String("batch", label))
	return nil
}

func (a *App) probe(ctx context.Context, log logx.Logger) (probe.Result, error) {
	recs, err := a.ledger.ProbeQueue(ctx)
	if err != nil {
		return probe.Result{}, fmt.Errorf("load probe queue: %w", err)
	}
	if len(recs) == 0 {
		return probe.Result{}, nil
	}
	if a.cfg.ProbeSkip {
		regs := make([]ledger.Registration, len(recs))
		for i, r := range recs {
			regs[i] = ledger.Registration{Identifier: r.Identifier, Registered: true}
		}
		log.Warn("registration probe skipped, assuming every new recipient is registered", logx.Int("count", len(regs)))
		return probe.Result{Registered: len(regs)}, a.ledger.SetRegistrationBulk(ctx, regs)
	}
	p := probe.New(a.cfg.Probe, a.client, a.ledger, a.unregistered, a.clock, log)
	return p.Run(ctx, recs)
}

// watchSession reacts to a dropped session with exactly one reconnect
// attempt; if it fails the run is cancelled with ErrReconnectFailed. A drop
// that happened before the subscription is caught by the initial check.
func (a *App) watchSession(ctx context.Context, sess *messenger.Session, cancel context.CancelCauseFunc, log logx.Logger) (stop func()) {
	events, unsub := a.bus.Subscribe(16, eventbus.TypeSessionState, eventbus.TypeQRChallenge)
	done := make(chan struct{})

	// restore reports false once the run has to stop.
	restore := func(reason string) bool {
		if sess.State() != messenger.StateDisconnected {
			return true
		}
		log.Warn("session lost during run", logx.String("reason", reason))
		if err := sess.Reconnect(ctx); err != nil {
			if ctx.Err() == nil {
				log.Error("reconnect failed, stopping run", logx.Err(err))
				cancel(fmt.Errorf("%w: %v", ErrReconnectFailed, err))
			}
			return false
		}
		log.Info("session restored")
		return true
	}

	go func() {
		defer close(done)
		if !restore("dropped before run started") {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if code, isQR := ev.Data.(string); isQR {
					log.Info("scan this pairing code with the phone", logx.String("qr", code))
					continue
				}
				st, ok := ev.Data.(eventbus.SessionState)
				if !ok || st.To != string(messenger.StateDisconnected) {
					continue
				}
				if !restore(st.Reason) {
					return
				}
			}
		}
	}()
	return func() {
		unsub()
		<-done
	}
}

func batchLabel(configured, path string) string {
	if configured != "" {
		return configured
	}
	if path == "" {
		return ""
	}
	return filepath.Base(path)
}

func logSummary(log logx.Logger, s Summary) {
	log.Info("run summary",
		logx.Int("total", s.Ledger.Total),
		logx.Int("sent", s.Ledger.Sent),
		logx.Int("pending", s.Ledger.Pending),
		logx.Int("failed", s.Ledger.Failed),
		logx.Int("registered", s.Ledger.Registered),
		logx.Int("retryable", s.Ledger.Retryable),
		logx.Int("sent_now", s.Dispatch.Sent),
		logx.Int("failed_now", s.Dispatch.Failed),
		logx.Duration("dispatch_dur", s.Dispatch.Duration),
	)
}
