package ledger

import "time"

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// MaxRetries is the number of failed attempts after which a recipient leaves
// the retry queue.
const MaxRetries = 3

// Record is the durable delivery state of one recipient.
type Record struct {
	Identifier    string
	Status        Status
	Registered    bool
	FirstSeenAt   time.Time
	LastUpdatedAt time.Time
	SentAt        time.Time // zero unless Status == StatusSent
	ErrorMessage  string    // empty unless Status == StatusFailed
	RetryCount    int
	CampaignTag   string
	SourceBatch   string
	DisplayName   string
}

// Eligible reports whether the record belongs in the dispatch queue.
func (r Record) Eligible() bool { return r.Status == StatusPending && r.Registered }

// Retryable reports whether the record belongs in the retry queue.
func (r Record) Retryable() bool { return r.Status == StatusFailed && r.RetryCount < MaxRetries }

// Meta is optional, non-authoritative metadata carried by an upsert.
// Empty fields never overwrite stored values.
type Meta struct {
	CampaignTag string
	SourceBatch string
	DisplayName string
}

type Entry struct {
	Identifier string
	Meta       Meta
}

type Registration struct {
	Identifier string
	Registered bool
}

type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Registered int `json:"registered"`
	Retryable  int `json:"retryable"`
}

type BatchStats struct {
	SourceBatch string `json:"source_batch"`
	CampaignTag string `json:"campaign"`
	Total       int    `json:"total"`
	Sent        int    `json:"sent"`
	Failed      int    `json:"failed"`
	Registered  int    `json:"registered"`
}
