package app

import (
	"context"
	"fmt"
	"time"

	"bulksend/internal/ledger"
	logx "bulksend/pkg/logx"
)

// Report is the output of the stats command.
type Report struct {
	Ledger       ledger.Stats        `json:"ledger"`
	Batches      []ledger.BatchStats `json:"batches"`
	SentSet      int                 `json:"sent_set"`
	Unregistered int                 `json:"unregistered_set"`
}

func (a *App) Stats(ctx context.Context) (Report, error) {
	var (
		r   Report
		err error
	)
	if r.Ledger, err = a.ledger.Stats(ctx); err != nil {
		return r, err
	}
	if r.Batches, err = a.ledger.StatsByBatch(ctx); err != nil {
		return r, err
	}
	if r.SentSet, err = a.sent.Len(ctx); err != nil {
		return r, fmt.Errorf("sent set: %w", err)
	}
	if r.Unregistered, err = a.unregistered.Len(ctx); err != nil {
		return r, fmt.Errorf("unregistered set: %w", err)
	}
	return r, nil
}

// CleanupResult counts what Cleanup removed.
type CleanupResult struct {
	Ledger       int64 `json:"ledger"`
	SentSet      int   `json:"sent_set"`
	Unregistered int   `json:"unregistered_set"`
}

// Cleanup purges sent records and membership entries older than maxAge.
// A non-positive maxAge uses the configured retention.
func (a *App) Cleanup(ctx context.Context, maxAge time.Duration) (CleanupResult, error) {
	if maxAge <= 0 {
		maxAge = a.cfg.RetentionMaxAge
	}
	var (
		res CleanupResult
		err error
	)
	if res.Ledger, err = a.ledger.PurgeSent(ctx, maxAge); err != nil {
		return res, err
	}
	// membership stores stamp entries with wall time
	cutoff := time.Now().Add(-maxAge)
	if res.SentSet, err = a.sent.PurgeBefore(ctx, cutoff); err != nil {
		return res, fmt.Errorf("sent set: %w", err)
	}
	if res.Unregistered, err = a.unregistered.PurgeBefore(ctx, cutoff); err != nil {
		return res, fmt.Errorf("unregistered set: %w", err)
	}
	a.log.Info("retention cleanup done",
		logx.Duration("max_age", maxAge),
		logx.Int64("ledger", res.Ledger),
		logx.Int("sent_set", res.SentSet),
		logx.Int("unregistered_set", res.Unregistered),
	)
	return res, nil
}

// Clear deletes every ledger record and empties both membership sets.
func (a *App) Clear(ctx context.Context) (CleanupResult, error) {
	var (
		res CleanupResult
		err error
	)
	if res.Ledger, err = a.ledger.Clear(ctx); err != nil {
		return res, err
	}
	// entries are stamped with the add time, so a cutoff past now drops all
	future := time.Now().Add(time.Hour)
	if res.SentSet, err = a.sent.PurgeBefore(ctx, future); err != nil {
		return res, fmt.Errorf("sent set: %w", err)
	}
	if res.Unregistered, err = a.unregistered.PurgeBefore(ctx, future); err != nil {
		return res, fmt.Errorf("unregistered set: %w", err)
	}
	a.log.Warn("all delivery state cleared", logx.Int64("ledger", res.Ledger), logx.Int("sent_set", res.SentSet))
	return res, nil
}
