package models

import "time"

// User is a platform contact. Created on first inbound message, updated by
// reviewer actions, deleted only on explicit erasure request.
type User struct {
	ID             string    `db:"user_id" json:"user_id"`
	Nickname       string    `db:"nickname" json:"nickname"`
	CustomerStatus string    `db:"customer_status" json:"customer_status"`
	// LifetimeValue feeds the review priority formula, normalized to [0,1].
	LifetimeValue float64   `db:"lifetime_value" json:"lifetime_value"`
	FirstSeenAt   time.Time `db:"first_seen_at" json:"first_seen_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// ProtocolState is the per-user quarantine ("silence") switch.
type ProtocolState struct {
	UserID        string    `db:"user_id" json:"user_id"`
	Active        bool      `db:"active" json:"active"`
	LastChangedAt time.Time `db:"last_changed_at" json:"last_changed_at"`
	Actor         string    `db:"actor" json:"actor"`
}

// QuarantineEntry is a user message parked while the protocol is active.
type QuarantineEntry struct {
	ID            string     `db:"entry_id" json:"entry_id"`
	UserID        string     `db:"user_id" json:"user_id"`
	PlatformMsgID int64      `db:"platform_msg_id" json:"platform_msg_id"`
	Text          string     `db:"text" json:"text"`
	QuarantinedAt time.Time  `db:"quarantined_at" json:"quarantined_at"`
	Processed     bool       `db:"processed" json:"processed"`
	ReleasedAt    *time.Time `db:"released_at" json:"released_at,omitempty"`
	DeletedAt     *time.Time `db:"deleted_at" json:"-"`
}
