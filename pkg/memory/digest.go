package memory

import (
	"fmt"
	"sort"
	"strings"
)

// topicCount is how many topics the digest keeps.
const topicCount = 5

var stopwords = map[string]bool{
	"about": true, "after": true, "again": true, "been": true, "before": true,
	"being": true, "could": true, "doing": true, "from": true, "have": true,
	"just": true, "like": true, "really": true, "some": true, "that": true,
	"then": true, "there": true, "they": true, "this": true, "very": true,
	"want": true, "what": true, "when": true, "with": true,
	"would": true, "your": true, "you're": true, "yeah": true,
}

// Digest produces the deterministic summary of a slice of history: the
// top-k recurring topics plus the participant's name when known. Same
// entries always yield the same string, which the prompt cache depends on.
func Digest(entries []Entry, nickname string) string {
	counts := make(map[string]int)
	for _, e := range entries {
		for _, w := range strings.Fields(strings.ToLower(e.Text)) {
			w = strings.Trim(w, ".,!?;:'\"()")
			if len(w) < 4 || stopwords[w] {
				continue
			}
			counts[w]++
		}
	}

	topics := make([]string, 0, len(counts))
	for w := range counts {
		topics = append(topics, w)
	}
	sort.Slice(topics, func(i, j int) bool {
		if counts[topics[i]] != counts[topics[j]] {
			return counts[topics[i]] > counts[topics[j]]
		}
		return topics[i] < topics[j]
	})
	if len(topics) > topicCount {
		topics = topics[:topicCount]
	}

	var b strings.Builder
	if nickname != "" {
		fmt.Fprintf(&b, "Talking with %s. ", nickname)
	}
	if len(topics) > 0 {
		fmt.Fprintf(&b, "Earlier conversation touched on: %s.", strings.Join(topics, ", "))
	} else {
		b.WriteString("Earlier conversation was brief small talk.")
	}
	return b.String()
}
