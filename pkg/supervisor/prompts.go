package supervisor

import (
	"fmt"
	"strings"
	"time"

	"github.com/hitloop/minder/pkg/llm"
	"github.com/hitloop/minder/pkg/memory"
	"github.com/hitloop/minder/pkg/models"
)

// bubbleToken separates bubbles in refiner output.
const bubbleToken = "[BUBBLE]"

// refinerInstructions is the fixed middle section of the refiner's stable
// prefix. It must stay byte-identical across calls: any edit invalidates
// every provider-side cached prefix.
const refinerInstructions = `You rewrite drafts into casual chat messages.
Rules:
- Split the draft into 1-5 short message bubbles separated by the literal token [BUBBLE].
- Preserve the meaning of the draft. Do not add new facts or promises.
- Do not respond to the draft or converse with it.
- Keep each bubble under two sentences.`

// coherenceDirective asks the refiner for a JSON verdict instead of prose.
const coherenceDirective = `You check a draft message against the sender's known commitments.
Respond with ONLY a JSON object, no prose, of the shape:
{"status":"ok"|"availability_conflict"|"identity_conflict","original_span":"...","replacement_span":"...","new_commitments":[{"text":"...","target_ts":"RFC3339"}]}
- availability_conflict: the draft proposes something that collides with a commitment. original_span is the offending phrase, replacement_span a corrected phrase.
- identity_conflict: the draft contradicts who the sender is supposed to be.
- new_commitments: any new promises the draft itself makes, with their target time.`

// repairDirective asks a small model to fix broken JSON output.
const repairDirective = `The following was supposed to be a single JSON object but does not parse. Respond with ONLY the corrected JSON object.`

// buildGeneratorSystem assembles the generation system prompt: persona
// block, persona-local wall clock, memory summary, and (for recovered
// messages) a temporal preamble.
func (s *Supervisor) buildGeneratorSystem(personaBlock, summary string, unit *models.ProcessingUnit, now time.Time) string {
	var b strings.Builder
	b.WriteString(personaBlock)
	b.WriteString("\n\n")
	b.WriteString(s.persona.localClock(now))
	if summary != "" {
		b.WriteString("\n\n")
		b.WriteString(summary)
	}
	if unit.IsRecovered {
		age := now.Sub(unit.PlatformTS).Round(time.Minute)
		fmt.Fprintf(&b, "\n\nNote: the user sent this %s ago while you were away; acknowledge the delay naturally.", humanAge(age))
	}
	return b.String()
}

// buildGeneratorMessages interleaves recent history with the new user text.
func buildGeneratorMessages(history []memory.Entry, userText string) []llm.Message {
	out := make([]llm.Message, 0, len(history)+1)
	for _, h := range history {
		role := llm.RoleUser
		if h.Role == memory.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: h.Text})
	}
	// History may already end with a user turn; merge to keep providers
	// that require strict alternation happy.
	if n := len(out); n > 0 && out[n-1].Role == llm.RoleUser {
		out[n-1].Content += "\n" + userText
		return out
	}
	return append(out, llm.Message{Role: llm.RoleUser, Content: userText})
}

// refinerStablePrefix is the byte-identical opening span of every refiner
// prompt: persona block, fixed instructions, then the per-user summary
// (which only changes when memory compression rewrites old entries).
func refinerStablePrefix(personaBlock, summary string) string {
	var b strings.Builder
	b.WriteString(personaBlock)
	b.WriteString("\n\n")
	b.WriteString(refinerInstructions)
	if summary != "" {
		b.WriteString("\n\n")
		b.WriteString(summary)
	}
	return b.String()
}

// splitBubbles parses refiner output into bubbles. Zero usable segments
// falls back to the whole text as a single bubble.
func splitBubbles(refined string) []string {
	parts := strings.Split(refined, bubbleToken)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		if trimmed := strings.TrimSpace(refined); trimmed != "" {
			return []string{trimmed}
		}
		return nil
	}
	return out
}

func humanAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "moments"
	case d < time.Hour:
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%.0f hours", d.Hours())
	default:
		return fmt.Sprintf("%d days", int(d.Hours()/24))
	}
}
