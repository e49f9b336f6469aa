package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"bulksend/internal/contacts"
	"bulksend/internal/dispatch"
	"bulksend/internal/ledger"
	"bulksend/internal/probe"
	"bulksend/internal/quota"
	"bulksend/internal/storage"
	"bulksend/internal/templates"
	logx "bulksend/pkg/logx"
)

// Settings is the validated, typed form of Config.
type Settings struct {
	SessionName string

	Client ClientSettings
	Limits quota.Limits

	Dispatch   dispatch.Config
	Delay      DelaySettings
	StartDelay time.Duration

	Probe     probe.Config
	ProbeSkip bool

	Ledger     ledger.Config
	Membership storage.Config

	Input     InputSettings
	Templates templates.Config

	RetentionMaxAge   time.Duration
	RetentionSchedule string

	Watch WatchSettings
	Debug DebugConfig

	Logging  logx.Config
	Telegram TelegramSettings
}

type ClientSettings struct {
	Driver         string
	BaseURL        string
	Token          string
	PollInterval   time.Duration
	Timeout        time.Duration
	ConnectTimeout time.Duration
	ReadyTimeout   time.Duration
}

type DelaySettings struct {
	Mode       string
	Interval   time.Duration
	MinSeconds int
	MaxSeconds int
	Seed       uint64
}

// Provider builds the post-send delay source.
func (d DelaySettings) Provider() dispatch.Interval {
	if d.Mode == "fixed" {
		return dispatch.Fixed(d.Interval)
	}
	return dispatch.NewRandom(d.MinSeconds, d.MaxSeconds, d.Seed)
}

type InputSettings struct {
	Path          string
	CountryPrefix string
	ChunkSize     int
	SourceBatch   string
	Columns       contacts.Columns
}

type WatchSettings struct {
	Dir        string
	ArchiveDir string
	Debounce   time.Duration
}

type TelegramSettings struct {
	Token    string
	ChatID   int64
	ThreadID int
}

// fieldErrs collects field-qualified validation errors.
type fieldErrs []error

func (f *fieldErrs) add(path, format string, args ...any) {
	*f = append(*f, fmt.Errorf("%s: %s", path, fmt.Sprintf(format, args...)))
}

func (f *fieldErrs) dur(path, raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault(path, raw, def)
	if err != nil {
		*f = append(*f, err)
	}
	return d
}

// Resolve validates cfg and converts it to Settings. All problems are
// reported together.
func Resolve(cfg *Config) (*Settings, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	var errs fieldErrs
	s := &Settings{}

	s.SessionName = strings.TrimSpace(cfg.Session.Name)
	driver := strings.ToLower(strings.TrimSpace(cfg.Client.Driver))
	if driver == "" {
		driver = "httpgw"
	}
	switch driver {
	case "httpgw":
		if strings.TrimSpace(cfg.Client.BaseURL) == "" {
			errs.add("client.base_url", "required for httpgw driver")
		}
		if s.SessionName == "" {
			errs.add("session.name", "required")
		}
	case "dryrun":
		if s.SessionName == "" {
			s.SessionName = "dryrun"
		}
	default:
		errs.add("client.driver", "unknown driver %q (want httpgw or dryrun)", cfg.Client.Driver)
	}
	s.Client = ClientSettings{
		Driver:         driver,
		BaseURL:        strings.TrimSpace(cfg.Client.BaseURL),
		Token:          cfg.Client.Token,
		PollInterval:   errs.dur("client.poll_interval", cfg.Client.PollInterval, 2*time.Second),
		Timeout:        errs.dur("client.timeout", cfg.Client.Timeout, 30*time.Second),
		ConnectTimeout: errs.dur("client.connect_timeout", cfg.Client.ConnectTimeout, 0),
		ReadyTimeout:   errs.dur("client.ready_timeout", cfg.Client.ReadyTimeout, 2*time.Minute),
	}

	// Limits
	s.Limits = quota.Limits{Hourly: cfg.Limits.Hourly, Daily: cfg.Limits.Daily}
	if cfg.Limits.Daily <= 0 {
		errs.add("limits.daily", "must be > 0 (got %d)", cfg.Limits.Daily)
	}
	if cfg.Limits.Hourly <= 0 {
		errs.add("limits.hourly", "must be > 0 (got %d)", cfg.Limits.Hourly)
	}
	if cfg.Limits.Hourly > 0 && cfg.Limits.Daily > 0 && cfg.Limits.Hourly > cfg.Limits.Daily {
		errs.add("limits.hourly", "must not exceed limits.daily (%d > %d)", cfg.Limits.Hourly, cfg.Limits.Daily)
	}

	// Dispatch
	d := cfg.Dispatch
	if d.BatchSize <= 0 {
		errs.add("dispatch.batch_size", "must be > 0 (got %d)", d.BatchSize)
	}
	s.Dispatch = dispatch.Config{
		BatchSize:   d.BatchSize,
		BatchPause:  errs.dur("dispatch.batch_pause", d.BatchPause, 0),
		ErrorDelay:  errs.dur("dispatch.error_delay", d.ErrorDelay, 0),
		CampaignTag: strings.TrimSpace(cfg.Messages.Campaign),
	}
	s.StartDelay = errs.dur("dispatch.start_delay", d.StartDelay, 0)

	mode := strings.ToLower(strings.TrimSpace(d.Delay.Mode))
	if mode == "" {
		mode = "random"
	}
	s.Delay = DelaySettings{
		Mode:       mode,
		Interval:   errs.dur("dispatch.delay.interval", d.Delay.Interval, 60*time.Second),
		MinSeconds: d.Delay.MinSeconds,
		MaxSeconds: d.Delay.MaxSeconds,
		Seed:       d.Delay.Seed,
	}
	switch mode {
	case "fixed":
		if s.Delay.Interval < time.Second {
			errs.add("dispatch.delay.interval", "must be >= 1s (got %s)", s.Delay.Interval)
		}
	case "random":
		if d.Delay.MinSeconds < 1 {
			errs.add("dispatch.delay.min_seconds", "must be >= 1 (got %d)", d.Delay.MinSeconds)
		}
		if d.Delay.MaxSeconds < d.Delay.MinSeconds {
			errs.add("dispatch.delay.max_seconds", "must be >= min_seconds (%d < %d)", d.Delay.MaxSeconds, d.Delay.MinSeconds)
		}
	default:
		errs.add("dispatch.delay.mode", "unknown mode %q (want fixed or random)", d.Delay.Mode)
	}

	// Probe
	s.ProbeSkip = cfg.Probe.Skip
	s.Probe = probe.Config{
		Interval:   errs.dur("probe.interval", cfg.Probe.Interval, 100*time.Millisecond),
		ErrorDelay: errs.dur("probe.error_delay", cfg.Probe.ErrorDelay, time.Second),
		FlushEvery: cfg.Probe.FlushEvery,
	}

	// Storage
	lg := cfg.Storage.Ledger
	s.Ledger = ledger.Config{
		Driver:      strings.ToLower(strings.TrimSpace(lg.Driver)),
		Path:        strings.TrimSpace(lg.Path),
		DSN:         strings.TrimSpace(lg.DSN),
		BusyTimeout: errs.dur("storage.ledger.busy_timeout", lg.BusyTimeout, 5*time.Second),
	}
	switch s.Ledger.Driver {
	case "", "sqlite":
		s.Ledger.Driver = "sqlite"
		if s.Ledger.Path == "" {
			errs.add("storage.ledger.path", "required for sqlite driver")
		}
	case "postgres":
		if s.Ledger.DSN == "" {
			errs.add("storage.ledger.dsn", "required for postgres driver")
		}
	default:
		errs.add("storage.ledger.driver", "unknown driver %q (want sqlite or postgres)", lg.Driver)
	}

	mb := cfg.Storage.Membership
	s.Membership = storage.Config{
		Driver:    strings.ToLower(strings.TrimSpace(mb.Driver)),
		Path:      strings.TrimSpace(mb.Path),
		Addr:      strings.TrimSpace(mb.Addr),
		Password:  mb.Password,
		DB:        mb.DB,
		KeyPrefix: strings.TrimSpace(mb.KeyPrefix),
	}
	switch s.Membership.Driver {
	case "", "memory", "none":
	case "file":
		if s.Membership.Path == "" {
			errs.add("storage.membership.path", "required for file driver")
		}
	case "redis":
		if s.Membership.Addr == "" {
			errs.add("storage.membership.addr", "required for redis driver")
		}
	default:
		errs.add("storage.membership.driver", "unknown driver %q", mb.Driver)
	}

	// Input
	in := cfg.Input
	prefix := strings.TrimSpace(in.CountryPrefix)
	if prefix == "" {
		prefix = contacts.DefaultCountryPrefix
	}
	if strings.Trim(prefix, "0123456789") != "" || len(prefix) != contacts.CountryPrefixLen {
		errs.add("input.country_prefix", "must be %d digits (got %q)", contacts.CountryPrefixLen, in.CountryPrefix)
	}
	cols := contacts.DefaultColumns()
	overrideCol(&cols.Area1, in.Columns.Area1)
	overrideCol(&cols.Number1, in.Columns.Number1)
	overrideCol(&cols.Area2, in.Columns.Area2)
	overrideCol(&cols.Number2, in.Columns.Number2)
	if len(in.Columns.Name) > 0 {
		cols.Name = in.Columns.Name
	}
	s.Input = InputSettings{
		Path:          strings.TrimSpace(in.Path),
		CountryPrefix: prefix,
		ChunkSize:     in.ChunkSize,
		SourceBatch:   strings.TrimSpace(in.SourceBatch),
		Columns:       cols,
	}

	// Messages
	if len(cfg.Messages.Variants) == 0 {
		errs.add("messages.variants", "at least one variant is required")
	}
	s.Templates = templates.Config{
		Selection: cfg.Messages.Selection,
		Default:   strings.TrimSpace(cfg.Messages.Default),
		Link:      strings.TrimSpace(cfg.Messages.Link),
		Campaign:  strings.TrimSpace(cfg.Messages.Campaign),
		Seed:      cfg.Messages.Seed,
	}
	for _, v := range cfg.Messages.Variants {
		s.Templates.Variants = append(s.Templates.Variants, templates.Variant{Name: v.Name, Text: v.Text, File: v.File})
	}

	// Retention
	s.RetentionMaxAge = errs.dur("retention.max_age", cfg.Retention.MaxAge, 30*24*time.Hour)
	s.RetentionSchedule = strings.TrimSpace(cfg.Retention.Schedule)
	if s.RetentionSchedule != "" {
		if _, err := cron.ParseStandard(s.RetentionSchedule); err != nil {
			errs.add("retention.schedule", "invalid cron spec %q: %v", s.RetentionSchedule, err)
		}
	}

	// Watch
	s.Watch = WatchSettings{
		Dir:        strings.TrimSpace(cfg.Watch.Dir),
		ArchiveDir: strings.TrimSpace(cfg.Watch.ArchiveDir),
		Debounce:   errs.dur("watch.debounce", cfg.Watch.Debounce, 2*time.Second),
	}
	if s.Watch.ArchiveDir != "" && s.Watch.Dir != "" && filepath.Clean(s.Watch.ArchiveDir) == filepath.Clean(s.Watch.Dir) {
		errs.add("watch.archive_dir", "must differ from watch.dir")
	}

	// Debug
	s.Debug = cfg.Debug
	if s.Debug.Enabled && strings.TrimSpace(s.Debug.Addr) == "" {
		s.Debug.Addr = "127.0.0.1:9090"
	}

	// Logging
	lc := cfg.Logging
	s.Logging = logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Operator: logx.OperatorConfig{
			Enabled:    lc.Telegram.Enabled,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
	s.Telegram = TelegramSettings{
		Token:    strings.TrimSpace(cfg.Telegram.Token),
		ChatID:   cfg.Telegram.ChatID,
		ThreadID: lc.Telegram.ThreadID,
	}
	if lc.Telegram.Enabled {
		if s.Telegram.Token == "" {
			errs.add("telegram.token", "required when logging.telegram.enabled")
		}
		if s.Telegram.ChatID == 0 {
			errs.add("telegram.chat_id", "required when logging.telegram.enabled")
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return s, nil
}

func overrideCol(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}
