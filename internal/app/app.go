// Package app wires the pipeline: contacts → ledger → probe → dispatch,
// plus the maintenance commands and the inbox watch mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bulksend/internal/clock"
	"bulksend/internal/config"
	"bulksend/internal/eventbus"
	"bulksend/internal/ledger"
	"bulksend/internal/messenger"
	"bulksend/internal/messenger/dryrun"
	"bulksend/internal/messenger/httpgw"
	"bulksend/internal/quota"
	"bulksend/internal/storage"
	logx "bulksend/pkg/logx"
)

// Options injects collaborators; zero values build the real ones.
type Options struct {
	Log    logx.Logger
	Clock  clock.Clock
	Bus    eventbus.Bus
	Client messenger.Client
}

type App struct {
	cfg   *config.Settings
	log   logx.Logger
	clock clock.Clock
	bus   eventbus.Bus

	ledger       *ledger.Ledger
	sent         storage.Set
	unregistered storage.Set

	mu      sync.Mutex
	client  messenger.Client
	session *messenger.Session
	quota   *quota.Controller
}

// New opens the ledger and the membership sets. The messaging client is
// only connected by the commands that send or probe.
func New(ctx context.Context, cfg *config.Settings, opt Options) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil settings")
	}
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	clk := opt.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	bus := opt.Bus
	if bus == nil {
		bus = eventbus.New()
	}

	l, err := ledger.Open(ctx, cfg.Ledger, clk, log)
	if err != nil {
		return nil, err
	}
	sent, err := storage.Open(ctx, cfg.Membership, storage.SetSent, log)
	if err != nil {
		_ = l.Close()
		return nil, err
	}
	unreg, err := storage.Open(ctx, cfg.Membership, storage.SetUnregistered, log)
	if err != nil {
		_ = sent.Close()
		_ = l.Close()
		return nil, err
	}

	return &App{
		cfg:          cfg,
		log:          log.With(logx.String("comp", "app")),
		clock:        clk,
		bus:          bus,
		ledger:       l,
		sent:         sent,
		unregistered: unreg,
		client:       opt.Client,
	}, nil
}

func (a *App) Bus() eventbus.Bus       { return a.bus }
func (a *App) Ledger() *ledger.Ledger { return a.ledger }

// QuotaSnapshot reports the live counters; zero before the first send.
func (a *App) QuotaSnapshot() quota.Snapshot {
	a.mu.Lock()
	q := a.quota
	a.mu.Unlock()
	if q == nil {
		return quota.Snapshot{HourlyLimit: a.cfg.Limits.Hourly, DailyLimit: a.cfg.Limits.Daily}
	}
	return q.Snapshot()
}

// Close shuts the session down and closes every store. Errors are joined.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	a.mu.Lock()
	sess := a.session
	a.session = nil
	a.mu.Unlock()
	if sess != nil {
		if err := sess.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session: %w", err))
		}
	}
	if err := a.sent.Close(); err != nil {
		errs = append(errs, fmt.Errorf("sent set: %w", err))
	}
	if err := a.unregistered.Close(); err != nil {
		errs = append(errs, fmt.Errorf("unregistered set: %w", err))
	}
	if err := a.ledger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("ledger: %w", err))
	}
	return errors.Join(errs...)
}

// connect starts the session once and waits for it to become ready. Later
// calls reuse the session; see resume.
func (a *App) connect(ctx context.Context) (*messenger.Session, error) {
	a.mu.Lock()
	if a.session != nil {
		sess := a.session
		a.mu.Unlock()
		if err := a.resume(ctx, sess); err != nil {
			return nil, err
		}
		return sess, nil
	}
	if a.client == nil {
		c, err := a.buildClient()
		if err != nil {
			a.mu.Unlock()
			return nil, err
		}
		a.client = c
	}
	sess := messenger.NewSession(a.client, a.bus, a.log, messenger.SessionOptions{ReadyTimeout: a.cfg.Client.ReadyTimeout})
	a.session = sess
	a.mu.Unlock()

	qr, unsub := a.bus.Subscribe(4, eventbus.TypeQRChallenge)
	defer unsub()
	go func() {
		for ev := range qr {
			if code, ok := ev.Data.(string); ok {
				a.log.Info("scan this pairing code with the phone", logx.String("qr", code))
			}
		}
	}()

	if err := sess.Start(ctx); err != nil {
		return nil, err
	}
	wctx := ctx
	if t := a.cfg.Client.ConnectTimeout; t > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	a.log.Info("waiting for session", logx.String("session", a.cfg.SessionName), logx.String("driver", a.cfg.Client.Driver))
	if err := sess.WaitReady(wctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return sess, nil
}

// resume readies a session left over from an earlier run. A session that
// dropped while idle gets its one reconnect attempt here; a failed one stays
// failed.
func (a *App) resume(ctx context.Context, sess *messenger.Session) error {
	switch sess.State() {
	case messenger.StateReady:
		return nil
	case messenger.StateFailed:
		return fmt.Errorf("%w: session already failed", ErrReconnectFailed)
	case messenger.StateDisconnected:
		a.log.Warn("session lost between runs, reconnecting")
		if err := sess.Reconnect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrReconnectFailed, err)
		}
		a.log.Info("session restored")
		return nil
	}

	wctx := ctx
	if t := a.cfg.Client.ReadyTimeout; t > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	if err := sess.WaitReady(wctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrReconnectFailed, err)
	}
	return nil
}

func (a *App) buildClient() (messenger.Client, error) {
	switch a.cfg.Client.Driver {
	case "dryrun":
		return dryrun.New(dryrun.Options{}, a.log), nil
	default:
		return httpgw.New(httpgw.Config{
			BaseURL:      a.cfg.Client.BaseURL,
			Session:      a.cfg.SessionName,
			Token:        a.cfg.Client.Token,
			PollInterval: a.cfg.Client.PollInterval,
			Timeout:      a.cfg.Client.Timeout,
		}, a.log)
	}
}

// quotaController is built once per process so watch-mode runs share the
// same windows.
func (a *App) quotaController() (*quota.Controller, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.quota != nil {
		return a.quota, nil
	}
	q, err := quota.New(a.cfg.Limits, a.clock, a.log)
	if err != nil {
		return nil, err
	}
	q.OnExhausted = func(window string, wait time.Duration) {
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeQuotaWait, Data: eventbus.QuotaWait{Window: window, Wait: wait}})
	}
	a.quota = q
	return q, nil
}

// readySender holds sends while the session is reconnecting.
type readySender struct {
	session *messenger.Session
	client  messenger.Client
}

func (r readySender) SendText(ctx context.Context, id, text string) error {
	if err := r.session.WaitReady(ctx); err != nil {
		if errors.Is(err, messenger.ErrSessionFailed) {
			// the session watcher cancels the run
			<-ctx.Done()
			return ctx.Err()
		}
		return err
	}
	return r.client.SendText(ctx, id, text)
}
