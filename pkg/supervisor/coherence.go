package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hitloop/minder/pkg/llm"
	"github.com/hitloop/minder/pkg/models"
)

// commitmentWindow is how far ahead the coherence check looks.
const commitmentWindow = 7 * 24 * time.Hour

// verdict is the parsed coherence analysis response.
type verdict struct {
	Status          string          `json:"status"`
	OriginalSpan    string          `json:"original_span,omitempty"`
	ReplacementSpan string          `json:"replacement_span,omitempty"`
	NewCommitments  []newCommitment `json:"new_commitments,omitempty"`
}

type newCommitment struct {
	Text     string `json:"text"`
	TargetTS string `json:"target_ts"`
}

// checkCoherence runs the analysis call and parses its verdict. Unusable
// output after one repair pass degrades to ok with a warning; the human
// reviewer remains the backstop.
func (s *Supervisor) checkCoherence(ctx context.Context, stablePrefix, draft string, commitments []*models.Commitment, now time.Time) (*verdict, *llm.StageResult, error) {
	payload := coherencePayload(draft, commitments, now)
	res, err := s.router.Refine(ctx, stablePrefix, []llm.Message{
		{Role: llm.RoleUser, Content: coherenceDirective + "\n\n" + payload},
	})
	if err != nil {
		return nil, nil, err
	}

	v, perr := parseVerdict(res.Text)
	if perr == nil {
		return v, res, nil
	}

	// One repair pass through a small model.
	repaired, rerr := s.router.Repair(ctx, repairDirective, []llm.Message{
		{Role: llm.RoleUser, Content: res.Text},
	})
	if rerr == nil {
		if v, perr = parseVerdict(repaired.Text); perr == nil {
			return v, res, nil
		}
	}

	s.logger.Warn("Coherence verdict unparseable, treating as ok",
		"parse_error", perr,
		"raw_prefix", truncate(res.Text, 120))
	return &verdict{Status: string(models.CoherenceOK)}, res, nil
}

// parseVerdict tolerates code fences and leading prose around the JSON
// object.
func parseVerdict(raw string) (*verdict, error) {
	raw = strings.TrimSpace(raw)
	if i := strings.Index(raw, "{"); i > 0 {
		raw = raw[i:]
	}
	if i := strings.LastIndex(raw, "}"); i >= 0 {
		raw = raw[:i+1]
	}
	var v verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	switch v.Status {
	case string(models.CoherenceOK), string(models.CoherenceAvailabilityConflict), string(models.CoherenceIdentityConflict):
		return &v, nil
	default:
		return nil, fmt.Errorf("unknown coherence status %q", v.Status)
	}
}

// applyAvailabilityFix substitutes the replacement span into the draft,
// first occurrence only; when the span is not found the replacement is
// appended as a corrective clause.
func applyAvailabilityFix(draft string, v *verdict) string {
	if v.OriginalSpan != "" && strings.Contains(draft, v.OriginalSpan) {
		return strings.Replace(draft, v.OriginalSpan, v.ReplacementSpan, 1)
	}
	if v.ReplacementSpan == "" {
		return draft
	}
	return draft + "\n" + v.ReplacementSpan
}

// persistNewCommitments stores promises the draft itself makes. Entries
// with unparseable timestamps are skipped with a warning.
func (s *Supervisor) persistNewCommitments(ctx context.Context, userID string, v *verdict) {
	for _, nc := range v.NewCommitments {
		if nc.Text == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, nc.TargetTS)
		if err != nil {
			s.logger.Warn("Skipping commitment with bad timestamp",
				"user_id", userID,
				"target_ts", nc.TargetTS)
			continue
		}
		if _, err := s.stores.Commitments.Add(ctx, userID, nc.Text, ts); err != nil {
			s.logger.Warn("Failed to persist commitment", "user_id", userID, "error", err)
		}
	}
}

func coherencePayload(draft string, commitments []*models.Commitment, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "current_time: %s\n", now.UTC().Format(time.RFC3339))
	b.WriteString("commitments:\n")
	if len(commitments) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, c := range commitments {
		fmt.Fprintf(&b, "  - %s (at %s)\n", c.Text, c.TargetTS.UTC().Format(time.RFC3339))
	}
	b.WriteString("draft:\n")
	b.WriteString(draft)
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
