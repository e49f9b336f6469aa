// Package quota enforces hourly and daily send limits over rolling windows.
//
// The controller blocks rather than drops: when a window is exhausted the
// caller is suspended until the window elapses.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bulksend/internal/clock"
	"bulksend/internal/metrics"
	logx "bulksend/pkg/logx"
)

const (
	HourWindow = time.Hour
	DayWindow  = 24 * time.Hour
)

var ErrInvalidLimits = errors.New("quota: invalid limits")

type Limits struct {
	Hourly int
	Daily  int
}

func (l Limits) Validate() error {
	if l.Hourly <= 0 || l.Daily <= 0 {
		return fmt.Errorf("%w: hourly=%d daily=%d must be > 0", ErrInvalidLimits, l.Hourly, l.Daily)
	}
	if l.Hourly > l.Daily {
		return fmt.Errorf("%w: hourly (%d) exceeds daily (%d)", ErrInvalidLimits, l.Hourly, l.Daily)
	}
	return nil
}

// Snapshot is a read-only view of the counters.
type Snapshot struct {
	HourlyCount     int       `json:"hourly_count"`
	DailyCount      int       `json:"daily_count"`
	HourlyLimit     int       `json:"hourly_limit"`
	DailyLimit      int       `json:"daily_limit"`
	LastHourResetAt time.Time `json:"last_hour_reset_at"`
	LastDayResetAt  time.Time `json:"last_day_reset_at"`
}

// Controller owns the quota counters for one process run.
type Controller struct {
	limits Limits
	clock  clock.Clock
	log    logx.Logger

	// OnExhausted, when set, is called with the window name and the suspension
	// about to happen.
	OnExhausted func(window string, wait time.Duration)

	mu          sync.Mutex
	hourly      int
	daily       int
	hourResetAt time.Time
	dayResetAt  time.Time
}

func New(limits Limits, clk clock.Clock, log logx.Logger) (*Controller, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	now := clk.Now()
	return &Controller{
		limits:      limits,
		clock:       clk,
		log:         log.With(logx.String("comp", "quota")),
		hourResetAt: now,
		dayResetAt:  now,
	}, nil
}

// Wait returns once a send is allowed under both windows. It suspends for the
// remainder of any exhausted window and returns ctx.Err() if cancelled meanwhile.
func (c *Controller) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := c.clock.Now()
		window, wait := c.check(now)
		if window == "" {
			return nil
		}

		c.log.Info("quota exhausted, waiting for window",
			logx.String("window", window),
			logx.Duration("wait", wait),
			logx.Time("resume_at", now.Add(wait)),
		)
		metrics.QuotaWaitsTotal.WithLabelValues(window).Inc()
		if c.OnExhausted != nil {
			c.OnExhausted(window, wait)
		}
		if err := c.clock.Sleep(ctx, wait); err != nil {
			return err
		}
		// Loop re-reads the clock; the elapsed window resets in check.
	}
}

// check rolls over elapsed windows and reports which window, if any, blocks.
// Daily takes precedence.
func (c *Controller) check(now time.Time) (string, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.dayResetAt) >= DayWindow {
		c.daily = 0
		c.dayResetAt = now
	}
	if now.Sub(c.hourResetAt) >= HourWindow {
		c.hourly = 0
		c.hourResetAt = now
	}

	if c.daily >= c.limits.Daily {
		return "daily", remaining(c.dayResetAt.Add(DayWindow), now)
	}
	if c.hourly >= c.limits.Hourly {
		return "hourly", remaining(c.hourResetAt.Add(HourWindow), now)
	}
	return "", 0
}

func remaining(end, now time.Time) time.Duration {
	d := end.Sub(now)
	if d <= 0 {
		return time.Millisecond
	}
	return d
}

// Record counts one successful send against both windows.
func (c *Controller) Record() {
	c.mu.Lock()
	c.hourly++
	c.daily++
	h, d := c.hourly, c.daily
	c.mu.Unlock()
	metrics.QuotaUsed.WithLabelValues("hourly").Set(float64(h))
	metrics.QuotaUsed.WithLabelValues("daily").Set(float64(d))
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		HourlyCount:     c.hourly,
		DailyCount:      c.daily,
		HourlyLimit:     c.limits.Hourly,
		DailyLimit:      c.limits.Daily,
		LastHourResetAt: c.hourResetAt,
		LastDayResetAt:  c.dayResetAt,
	}
}
