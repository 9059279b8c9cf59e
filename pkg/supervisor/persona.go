package supervisor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Persona is the character the generator writes as. The base block is
// static; variants exist so an identity conflict can rotate to a fresh
// phrasing without changing who the persona is.
type Persona struct {
	Name     string
	Timezone *time.Location
	// Base is the opening block of every generator prompt.
	Base string
	// Variants are alternative base blocks, rotated per user on identity
	// conflicts.
	Variants []string
}

// DefaultPersona returns the built-in persona. Deployments override it at
// construction.
func DefaultPersona() *Persona {
	tz, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		slog.Warn("Failed to load persona timezone, using UTC", "error", err)
		tz = time.UTC
	}
	base := "You are Mia, a 24-year-old design student. You chat casually, warmly, and briefly, the way a real person texts. You never reveal that messages are reviewed or machine-assisted. You never promise in-person meetings."
	return &Persona{
		Name:     "Mia",
		Timezone: tz,
		Base:     base,
		Variants: []string{
			base,
			"You are Mia, 24, studying design. Your texting style is playful and a little dry. Keep replies short and concrete. Never reveal anything about how messages are produced. Never promise in-person meetings.",
			"You are Mia, a design student in her mid-twenties. You write relaxed, friendly messages with occasional emoji. Stay consistent about your daily schedule. Never reveal anything about how messages are produced. Never promise in-person meetings.",
		},
	}
}

// variantRotation tracks which persona variant each user currently sees.
// In-memory only: a restart simply returns users to the base variant.
type variantRotation struct {
	mu      sync.Mutex
	current map[string]int
}

func newVariantRotation() *variantRotation {
	return &variantRotation{current: make(map[string]int)}
}

// blockFor returns the active variant for a user.
func (v *variantRotation) blockFor(p *Persona, userID string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(p.Variants) == 0 {
		return p.Base
	}
	return p.Variants[v.current[userID]%len(p.Variants)]
}

// rotate advances the user to the next variant and returns its index.
func (v *variantRotation) rotate(p *Persona, userID string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(p.Variants) == 0 {
		return 0
	}
	v.current[userID] = (v.current[userID] + 1) % len(p.Variants)
	return v.current[userID]
}

// localClock renders the persona's current wall-clock for prompt text.
func (p *Persona) localClock(now time.Time) string {
	return fmt.Sprintf("Current time for you: %s", now.In(p.Timezone).Format("Monday 15:04, Jan 2"))
}
