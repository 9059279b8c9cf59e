// Package platform abstracts the messaging platform the pipeline reads
// from and delivers to. The production adapter is Slack; tests use fakes.
package platform

import (
	"context"
	"time"
)

// Message is one platform message in a dialog. ID is monotonically
// increasing within a dialog, which the processing cursors rely on.
type Message struct {
	ID       int64
	UserID   string
	Text     string
	TS       time.Time
	FromUser bool
}

// Dialog is one user conversation, as seen by the recovery scan.
type Dialog struct {
	ChannelID    string
	UserID       string
	LastActivity time.Time
}

// Client is the outbound and scan surface against the platform.
type Client interface {
	// SendMessage delivers one bubble and returns its platform message id.
	SendMessage(ctx context.Context, channelID, text string) (int64, error)
	// SendTyping shows a typing indicator where the platform supports one.
	SendTyping(ctx context.Context, channelID string) error
	// ListDialogs pages through the bot's direct-message dialogs.
	ListDialogs(ctx context.Context, limit int) ([]Dialog, error)
	// MessagesSince returns user-visible messages with id > afterID,
	// oldest first.
	MessagesSince(ctx context.Context, channelID string, afterID int64, limit int) ([]Message, error)
}
