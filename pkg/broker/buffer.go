package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hitloop/minder/pkg/models"
)

// Per-user debounce buffers. The debouncer parks a user's burst here while
// the window is open; a crash loses at most one open window, and the
// recovery scan finds the underlying messages again on the platform.

// BufferAppend adds an entry to the user's open debounce buffer and returns
// the new buffer length.
func (c *Client) BufferAppend(ctx context.Context, userID string, entry *models.IntakeEntry) (int64, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("failed to encode buffer entry: %w", err)
	}
	n, err := c.rdb.RPush(ctx, bufferPrefix+userID, raw).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to append buffer entry: %w", err)
	}
	return n, nil
}

// BufferDrain atomically takes the whole buffer and deletes it, returning
// the entries in arrival order.
func (c *Client) BufferDrain(ctx context.Context, userID string) ([]models.IntakeEntry, error) {
	key := bufferPrefix + userID
	pipe := c.rdb.TxPipeline()
	rng := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to drain buffer: %w", err)
	}
	raws := rng.Val()
	out := make([]models.IntakeEntry, 0, len(raws))
	for _, raw := range raws {
		var e models.IntakeEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("corrupt buffer entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// BufferLen reports the open buffer size for a user.
func (c *Client) BufferLen(ctx context.Context, userID string) (int64, error) {
	n, err := c.rdb.LLen(ctx, bufferPrefix+userID).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read buffer length: %w", err)
	}
	return n, nil
}
