package config

// Config is the on-disk (JSON or YAML) configuration. Every duration is a Go
// duration string ("500ms", "60s", "1h"); a bare integer is read as
// milliseconds. Environment variables named in the env tags override file
// values after the file is parsed.
type Config struct {
	Session   SessionConfig   `json:"session"`
	Client    ClientConfig    `json:"client"`
	Limits    LimitsConfig    `json:"limits"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Probe     ProbeConfig     `json:"probe"`
	Storage   StorageConfig   `json:"storage"`
	Input     InputConfig     `json:"input"`
	Messages  MessagesConfig  `json:"messages"`
	Retention RetentionConfig `json:"retention"`
	Watch     WatchConfig     `json:"watch"`
	Debug     DebugConfig     `json:"debug"`
	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram"`
}

type SessionConfig struct {
	Name string `json:"name" env:"SESSION_NAME"`
}

// ClientConfig selects the messaging client.
//
// Driver values:
//   - "httpgw" (default): REST bridge at BaseURL
//   - "dryrun": nothing leaves the process
type ClientConfig struct {
	Driver       string `json:"driver" env:"CLIENT_DRIVER"`
	BaseURL      string `json:"base_url" env:"GATEWAY_URL"`
	Token        string `json:"token,omitempty" env:"GATEWAY_TOKEN"` // do not log
	PollInterval string `json:"poll_interval,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
	// ConnectTimeout bounds the wait for the first ready state (QR pairing
	// included). "0s" waits forever.
	ConnectTimeout string `json:"connect_timeout,omitempty"`
	// ReadyTimeout bounds the single reconnect attempt.
	ReadyTimeout string `json:"ready_timeout,omitempty"`
}

type LimitsConfig struct {
	Daily  int `json:"daily" env:"DAILY_LIMIT"`
	Hourly int `json:"hourly" env:"HOURLY_LIMIT"`
}

type DispatchConfig struct {
	BatchSize  int         `json:"batch_size" env:"BATCH_SIZE"`
	BatchPause string      `json:"batch_pause" env:"PAUSE_DURATION"`
	ErrorDelay string      `json:"error_delay" env:"ERROR_RETRY_DELAY"`
	StartDelay string      `json:"start_delay" env:"START_DELAY"`
	Delay      DelayConfig `json:"delay"`
}

// DelayConfig controls the wait after each successful send.
//
// Mode "random" draws whole seconds uniformly from [min_seconds, max_seconds];
// mode "fixed" always waits interval.
type DelayConfig struct {
	Mode       string `json:"mode" env:"DELAY_MODE"`
	Interval   string `json:"interval" env:"MESSAGE_INTERVAL"`
	MinSeconds int    `json:"min_seconds" env:"MIN_SECONDS"`
	MaxSeconds int    `json:"max_seconds" env:"MAX_SECONDS"`
	Seed       uint64 `json:"seed,omitempty" env:"DELAY_SEED"`
}

type ProbeConfig struct {
	Skip       bool   `json:"skip,omitempty" env:"PROBE_SKIP"`
	Interval   string `json:"interval,omitempty"`
	ErrorDelay string `json:"error_delay,omitempty"`
	FlushEvery int    `json:"flush_every,omitempty"`
}

type StorageConfig struct {
	Ledger     LedgerConfig     `json:"ledger"`
	Membership MembershipConfig `json:"membership"`
}

// LedgerConfig selects the ledger backend.
//
// Example:
//
//	"ledger": { "driver": "sqlite", "path": "./data/messages.db" }
type LedgerConfig struct {
	Driver      string `json:"driver" env:"LEDGER_DRIVER"`
	Path        string `json:"path" env:"DATABASE_PATH"`
	DSN         string `json:"dsn,omitempty" env:"DATABASE_DSN"` // do not log
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type MembershipConfig struct {
	Driver    string `json:"driver" env:"MEMBERSHIP_DRIVER"`
	Path      string `json:"path,omitempty" env:"MEMBERSHIP_PATH"`
	Addr      string `json:"addr,omitempty" env:"REDIS_ADDR"`
	Password  string `json:"password,omitempty" env:"REDIS_PASSWORD"`
	DB        int    `json:"db,omitempty" env:"REDIS_DB"`
	KeyPrefix string `json:"key_prefix,omitempty"`
}

type InputConfig struct {
	Path          string        `json:"path" env:"CSV_PATH"`
	CountryPrefix string        `json:"country_prefix,omitempty" env:"COUNTRY_PREFIX"`
	ChunkSize     int           `json:"chunk_size,omitempty"`
	SourceBatch   string        `json:"source_batch,omitempty"`
	Columns       ColumnsConfig `json:"columns"`
}

type ColumnsConfig struct {
	Area1   string   `json:"area1,omitempty"`
	Number1 string   `json:"number1,omitempty"`
	Area2   string   `json:"area2,omitempty"`
	Number2 string   `json:"number2,omitempty"`
	Name    []string `json:"name,omitempty"`
}

type MessagesConfig struct {
	Selection string          `json:"selection" env:"MESSAGE_SELECTION"`
	Default   string          `json:"default,omitempty"`
	Link      string          `json:"link,omitempty" env:"MESSAGE_LINK"`
	Campaign  string          `json:"campaign,omitempty" env:"CAMPAIGN"`
	Seed      uint64          `json:"seed,omitempty"`
	Variants  []VariantConfig `json:"variants"`
}

type VariantConfig struct {
	Name string `json:"name"`
	Text string `json:"text,omitempty"`
	File string `json:"file,omitempty"`
}

// RetentionConfig controls purging of old sent records.
type RetentionConfig struct {
	MaxAge   string `json:"max_age" env:"RETENTION_MAX_AGE"`
	Schedule string `json:"schedule,omitempty" env:"RETENTION_SCHEDULE"` // cron spec, watch mode only
}

type WatchConfig struct {
	Dir        string `json:"dir" env:"WATCH_DIR"`
	ArchiveDir string `json:"archive_dir,omitempty" env:"WATCH_ARCHIVE_DIR"`
	Debounce   string `json:"debounce,omitempty"`
}

// DebugConfig controls the optional debug HTTP server (/metrics, /healthz,
// /stats, /debug/pprof/). Prefer binding to localhost.
type DebugConfig struct {
	Enabled bool   `json:"enabled" env:"DEBUG_ENABLED"`
	Addr    string `json:"addr,omitempty" env:"DEBUG_ADDR"`
	Token   string `json:"token,omitempty" env:"DEBUG_TOKEN"` // optional bearer token (do not log)
}

type LoggingConfig struct {
	Level    string          `json:"level" env:"LOG_LEVEL"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled" env:"LOG_TELEGRAM"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// TelegramConfig is the operator chat receiving warnings and run summaries.
type TelegramConfig struct {
	Token  string `json:"token,omitempty" env:"TELEGRAM_TOKEN"` // do not log
	ChatID int64  `json:"chat_id,omitempty" env:"TELEGRAM_CHAT_ID"`
}

// Defaults returns the configuration used for keys absent from file and env.
func Defaults() Config {
	return Config{
		Client: ClientConfig{
			Driver:       "httpgw",
			PollInterval: "2s",
			Timeout:      "30s",
			ReadyTimeout: "2m",
		},
		Limits: LimitsConfig{Daily: 1200, Hourly: 60},
		Dispatch: DispatchConfig{
			BatchSize:  50,
			BatchPause: "60s",
			ErrorDelay: "30s",
			StartDelay: "5s",
			Delay: DelayConfig{
				Mode:       "random",
				Interval:   "60s",
				MinSeconds: 15,
				MaxSeconds: 30,
			},
		},
		Probe: ProbeConfig{Interval: "100ms", ErrorDelay: "1s", FlushEvery: 50},
		Storage: StorageConfig{
			Ledger:     LedgerConfig{Driver: "sqlite", Path: "./data/messages.db", BusyTimeout: "5s"},
			Membership: MembershipConfig{Driver: "file", Path: "./data/members"},
		},
		Input:     InputConfig{Path: "./contacts.csv", CountryPrefix: "55", ChunkSize: 1000},
		Messages:  MessagesConfig{Selection: "fixed"},
		Retention: RetentionConfig{MaxAge: "720h", Schedule: "@daily"},
		Watch:     WatchConfig{Dir: "./inbox", Debounce: "2s"},
		Debug:     DebugConfig{Addr: "127.0.0.1:9090"},
		Logging:   LoggingConfig{Level: "info", Console: true, Telegram: LoggingTelegram{MinLevel: "warn", RatePerSec: 1}},
	}
}
