// Package safety implements the deterministic content filter. It annotates
// drafts with a risk score and category flags for the reviewer; it never
// blocks processing and never performs network I/O.
package safety

import (
	"regexp"
	"strings"

	"github.com/hitloop/minder/pkg/models"
)

// Category weights. The risk score is the maximum weight across matched
// categories.
const (
	weightProhibited = 1.0
	weightSexual     = 0.9
	weightDating     = 0.8
	weightAmbiguous  = 0.6
	weightMild       = 0.3
)

type category struct {
	tag      string
	weight   float64
	keywords []string
	patterns []*regexp.Regexp
}

// Filter is a pure text classifier. Construct once; Analyze is safe for
// concurrent use.
type Filter struct {
	categories []category
}

// Config lets deployments extend the built-in term lists, typically with
// locale-specific vocabulary.
type Config struct {
	ExtraProhibited []string
	ExtraSexual     []string
	ExtraDating     []string
	ExtraAmbiguous  []string
	ExtraMild       []string
}

// NewFilter builds the filter with the built-in pattern set plus any
// configured extensions.
func NewFilter(cfg Config) *Filter {
	return &Filter{categories: []category{
		{
			tag:    "prohibited",
			weight: weightProhibited,
			keywords: append([]string{
				"kill yourself", "hurt yourself", "end your life",
				"underage",
			}, cfg.ExtraProhibited...),
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`\b(?:kys|cp|minors?)\b`),
				regexp.MustCompile(`\b1[23456]\s*(?:yo|years?\s*old)\b`),
			},
		},
		{
			tag:    "sexual",
			weight: weightSexual,
			keywords: append([]string{
				"nude", "nudes", "sext", "explicit photo",
			}, cfg.ExtraSexual...),
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`\bsend\s+(?:me\s+)?(?:a\s+)?pic(?:ture)?s?\b`),
			},
		},
		{
			tag:    "dating",
			weight: weightDating,
			keywords: append([]string{
				"meet up", "meet irl", "your address", "where do you live",
				"come over",
			}, cfg.ExtraDating...),
		},
		{
			tag:    "ambiguous",
			weight: weightAmbiguous,
			keywords: append([]string{
				"are you real", "are you a bot", "who is typing",
				"secret", "don't tell anyone",
			}, cfg.ExtraAmbiguous...),
		},
		{
			tag:    "mild",
			weight: weightMild,
			keywords: append([]string{
				"damn", "hell", "stupid", "hate you",
			}, cfg.ExtraMild...),
		},
	}}
}

// Analyze scores a single text. Same input always yields the same output.
func (f *Filter) Analyze(text string) models.SafetyAnnotation {
	norm := Normalize(text)
	ann := models.SafetyAnnotation{Flags: []string{}}
	for _, cat := range f.categories {
		if f.matches(cat, norm) {
			ann.Flags = append(ann.Flags, cat.tag)
			if cat.weight > ann.RiskScore {
				ann.RiskScore = cat.weight
			}
		}
	}
	return ann
}

// AnalyzeAll scores each bubble and their concatenation, returning the
// union of flags and the maximum risk.
func (f *Filter) AnalyzeAll(bubbles []string) models.SafetyAnnotation {
	out := f.Analyze(strings.Join(bubbles, " "))
	seen := make(map[string]bool, len(out.Flags))
	for _, fl := range out.Flags {
		seen[fl] = true
	}
	for _, b := range bubbles {
		ann := f.Analyze(b)
		if ann.RiskScore > out.RiskScore {
			out.RiskScore = ann.RiskScore
		}
		for _, fl := range ann.Flags {
			if !seen[fl] {
				seen[fl] = true
				out.Flags = append(out.Flags, fl)
			}
		}
	}
	return out
}

func (f *Filter) matches(cat category, norm string) bool {
	for _, kw := range cat.keywords {
		if strings.Contains(norm, kw) {
			return true
		}
	}
	for _, re := range cat.patterns {
		if re.MatchString(norm) {
			return true
		}
	}
	return false
}

var leetReplacer = strings.NewReplacer(
	"0", "o",
	"1", "i",
	"3", "e",
	"4", "a",
	"5", "s",
	"7", "t",
	"8", "b",
	"@", "a",
	"$", "s",
	"!", "i",
)

// Normalize lowercases, collapses whitespace, and appends a leet-decoded
// variant. Matching runs over both forms, so digit-sensitive patterns
// still see the raw text.
func Normalize(text string) string {
	lower := strings.ToLower(strings.Join(strings.Fields(text), " "))
	return lower + " " + leetReplacer.Replace(lower)
}
