package models

import "time"

// RecoveryTrigger says what started a recovery operation.
type RecoveryTrigger string

const (
	RecoveryTriggerStartup   RecoveryTrigger = "startup"
	RecoveryTriggerManual    RecoveryTrigger = "manual"
	RecoveryTriggerScheduled RecoveryTrigger = "scheduled"
)

// RecoveryStatus is the terminal status of a recovery operation.
type RecoveryStatus string

const (
	RecoveryRunning   RecoveryStatus = "running"
	RecoveryCompleted RecoveryStatus = "completed"
	RecoveryFailed    RecoveryStatus = "failed"
)

// TierCounts counts recovered messages per age tier.
type TierCounts struct {
	Tier1   int `json:"tier1"`
	Tier2   int `json:"tier2"`
	Tier3   int `json:"tier3"`
	Skipped int `json:"skipped"`
}

// RecoveryOperation is one bounded reconciliation pass over platform history.
type RecoveryOperation struct {
	ID         string          `db:"operation_id" json:"operation_id"`
	Trigger    RecoveryTrigger `db:"trigger" json:"trigger"`
	StartedAt  time.Time       `db:"started_at" json:"started_at"`
	FinishedAt *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
	Counts     TierCounts      `db:"-" json:"counts"`
	UsersScanned int           `db:"users_scanned" json:"users_scanned"`
	Errors     []string        `db:"-" json:"errors,omitempty"`
	Status     RecoveryStatus  `db:"status" json:"status"`
}

// ProcessingCursor is the per-user watermark of the highest durably
// ingested platform message id. It only ever moves forward.
type ProcessingCursor struct {
	UserID    string    `db:"user_id" json:"user_id"`
	LastMsgID int64     `db:"last_msg_id" json:"last_msg_id"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
