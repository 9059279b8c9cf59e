package models

import "time"

// IntakeEntry is one message in the durable intake log, the transient
// buffer between Ingress and the Supervisor.
type IntakeEntry struct {
	UserID        string    `json:"user_id"`
	PlatformMsgID int64     `json:"platform_msg_id"`
	Text          string    `json:"text"`
	PlatformTS    time.Time `json:"platform_ts"`
	ReceivedAt    time.Time `json:"received_at"`
	IsRecovered   bool      `json:"is_recovered"`
	// ReleasedFromQuarantine marks synthetic entries produced by a
	// reviewer releasing a quarantined message back into the pipeline.
	ReleasedFromQuarantine bool `json:"released_from_quarantine,omitempty"`
	// Attempts counts supervisor retries; past RETRY_MAX the entry moves
	// to the dead-letter list.
	Attempts int `json:"attempts,omitempty"`
}

// ProcessingUnit is a debounced batch released to the Supervisor: one or
// more intake entries from a single user merged into one logical utterance.
type ProcessingUnit struct {
	UserID         string    `json:"user_id"`
	CombinedText   string    `json:"combined_text"`
	PlatformMsgIDs []int64   `json:"platform_msg_ids"`
	// PlatformMsgID is the newest contributing platform id.
	PlatformMsgID int64     `json:"platform_msg_id"`
	PlatformTS    time.Time `json:"platform_ts"`
	ReceivedAt    time.Time `json:"received_at"`
	IsRecovered   bool      `json:"is_recovered"`
	Attempts      int       `json:"attempts,omitempty"`
	// Entries preserves the contributing intake entries so a failed unit
	// can be requeued without losing per-message identity.
	Entries []IntakeEntry `json:"entries,omitempty"`
}
