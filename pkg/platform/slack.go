package platform

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// SlackClient adapts the Slack Web API to the platform Client interface.
// Slack timestamps double as message ids: "1718000000.000100" maps to a
// monotonic int64 of microseconds.
type SlackClient struct {
	api     *slack.Client
	botID   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewSlackClient builds the adapter and verifies the token. timeout bounds
// every Web API call; zero disables the bound.
func NewSlackClient(ctx context.Context, token string, timeout time.Duration, logger *slog.Logger) (*SlackClient, error) {
	c := &SlackClient{
		api:     slack.New(token),
		timeout: timeout,
		logger:  logger.With("component", "slack"),
	}
	actx, cancel := c.opCtx(ctx)
	defer cancel()
	auth, err := c.api.AuthTestContext(actx)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate with slack: %w", err)
	}
	c.botID = auth.UserID
	return c, nil
}

func (s *SlackClient) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// SendMessage posts one bubble to the dialog channel.
func (s *SlackClient) SendMessage(ctx context.Context, channelID, text string) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, ts, err := s.api.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false))
	if err != nil {
		return 0, fmt.Errorf("failed to post message: %w", err)
	}
	id, err := tsToID(ts)
	if err != nil {
		return 0, fmt.Errorf("unexpected message timestamp %q: %w", ts, err)
	}
	return id, nil
}

// SendTyping is a no-op: the Slack Web API has no typing endpoint. The
// dispatcher's pacing delays still apply.
func (s *SlackClient) SendTyping(ctx context.Context, channelID string) error {
	s.logger.Debug("Typing indicator not supported on this platform", "channel_id", channelID)
	return nil
}

// ListDialogs pages through the bot's IM conversations.
func (s *SlackClient) ListDialogs(ctx context.Context, limit int) ([]Dialog, error) {
	var (
		out    []Dialog
		cursor string
	)
	for {
		pctx, cancel := s.opCtx(ctx)
		channels, next, err := s.api.GetConversationsContext(pctx, &slack.GetConversationsParameters{
			Types:  []string{"im"},
			Limit:  200,
			Cursor: cursor,
		})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to list conversations: %w", err)
		}
		for _, ch := range channels {
			d := Dialog{ChannelID: ch.ID, UserID: ch.User}
			if id, err := tsToID(ch.Latest.Timestamp); err == nil {
				d.LastActivity = idToTime(id)
			}
			out = append(out, d)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

// MessagesSince returns user messages newer than afterID, oldest first.
// Bot-authored messages are filtered out.
func (s *SlackClient) MessagesSince(ctx context.Context, channelID string, afterID int64, limit int) ([]Message, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	params := &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Oldest:    idToTS(afterID),
		Limit:     limit,
		Inclusive: false,
	}
	resp, err := s.api.GetConversationHistoryContext(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversation history: %w", err)
	}

	out := make([]Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		id, err := tsToID(m.Timestamp)
		if err != nil {
			s.logger.Warn("Skipping message with unparseable timestamp", "ts", m.Timestamp)
			continue
		}
		out = append(out, Message{
			ID:       id,
			UserID:   m.User,
			Text:     m.Text,
			TS:       idToTime(id),
			FromUser: m.User != s.botID && m.BotID == "",
		})
	}
	// Slack returns newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// tsToID converts a Slack "seconds.micros" timestamp into a monotonic
// microsecond id.
func tsToID(ts string) (int64, error) {
	if ts == "" {
		return 0, fmt.Errorf("empty timestamp")
	}
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return 0, err
	}
	var micros int64
	if frac != "" {
		// Normalize the fraction to exactly six digits.
		if len(frac) > 6 {
			frac = frac[:6]
		}
		for len(frac) < 6 {
			frac += "0"
		}
		micros, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, err
		}
	}
	return s*1_000_000 + micros, nil
}

// idToTS is the inverse of tsToID.
func idToTS(id int64) string {
	return fmt.Sprintf("%d.%06d", id/1_000_000, id%1_000_000)
}

func idToTime(id int64) time.Time {
	return time.UnixMicro(id).UTC()
}
