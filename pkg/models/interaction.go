package models

import (
	"time"
)

// ReviewStatus is the lifecycle state of an Interaction.
type ReviewStatus string

// Review status values. An interaction is in exactly one at any time.
const (
	StatusPending  ReviewStatus = "pending"
	StatusClaimed  ReviewStatus = "claimed"
	StatusApproved ReviewStatus = "approved"
	StatusRejected ReviewStatus = "rejected"
	StatusCancelled ReviewStatus = "cancelled"
)

// DispatchStatus tracks post-approval delivery.
type DispatchStatus string

const (
	DispatchPending   DispatchStatus = "pending"
	DispatchSent      DispatchStatus = "sent"
	DispatchFailed    DispatchStatus = "dispatch_failed"
	DispatchCancelled DispatchStatus = "cancelled_quarantine"
)

// StageCost is the token/cost accounting for one LLM stage.
type StageCost struct {
	Model        string  `json:"model"`
	TokensIn     int     `json:"tokens_in"`
	TokensOut    int     `json:"tokens_out"`
	CachedTokens int     `json:"cached_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// SafetyAnnotation is the deterministic content analysis result.
// It never blocks processing; reviewers see it alongside the draft.
type SafetyAnnotation struct {
	RiskScore float64  `json:"risk_score"`
	Flags     []string `json:"flags"`
}

// Interaction is one processed unit of user input with its staged outputs.
// Created when a batch enters the Supervisor; terminal after approve/reject.
type Interaction struct {
	ID            string       `db:"interaction_id" json:"interaction_id"`
	UserID        string       `db:"user_id" json:"user_id"`
	PlatformMsgID int64        `db:"platform_msg_id" json:"platform_msg_id"`
	// PlatformMsgIDs lists every contributing platform id when the
	// debouncer merged a burst into one interaction.
	PlatformMsgIDs []int64     `db:"-" json:"platform_msg_ids"`
	PlatformTS    time.Time    `db:"platform_ts" json:"platform_ts"`
	ReceivedAt    time.Time    `db:"received_at" json:"received_at"`
	UserText      string       `db:"user_text" json:"user_text"`
	DraftText     string       `db:"draft_text" json:"draft_text"`
	Bubbles       []string     `db:"-" json:"bubbles"`
	Safety        SafetyAnnotation `db:"-" json:"safety"`
	Status        ReviewStatus `db:"review_status" json:"review_status"`
	ReviewerID    *string      `db:"reviewer_id" json:"reviewer_id,omitempty"`
	ReviewLatency *int64       `db:"review_latency_ms" json:"review_latency_ms,omitempty"`
	GenCost       StageCost    `db:"-" json:"generation_cost"`
	RefineCost    StageCost    `db:"-" json:"refine_cost"`
	IsRecovered   bool         `db:"is_recovered" json:"is_recovered"`
	ReviewerNote  string       `db:"reviewer_note" json:"reviewer_note,omitempty"`
	EditTags      []string     `db:"-" json:"edit_tags,omitempty"`
	QualityScore  *int         `db:"quality_score" json:"quality_score,omitempty"`
	FinalBubbles  []string     `db:"-" json:"final_bubbles,omitempty"`
	Dispatch      DispatchStatus `db:"dispatch_status" json:"dispatch_status"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
	ClaimedAt     *time.Time   `db:"claimed_at" json:"claimed_at,omitempty"`
	ReviewedAt    *time.Time   `db:"reviewed_at" json:"reviewed_at,omitempty"`
}

// ReviewItem is the reviewer-facing projection of a pending interaction.
type ReviewItem struct {
	InteractionID string    `json:"interaction_id"`
	UserID        string    `json:"user_id"`
	Nickname      string    `json:"nickname,omitempty"`
	UserText      string    `json:"user_text"`
	Bubbles       []string  `json:"bubbles"`
	Priority      float64   `json:"priority"`
	Sequence      int64     `json:"sequence"`
	RiskScore     float64   `json:"risk_score"`
	SafetyFlags   []string  `json:"safety_flags,omitempty"`
	IsRecovered   bool      `json:"is_recovered"`
	CreatedAt     time.Time `json:"created_at"`
}
