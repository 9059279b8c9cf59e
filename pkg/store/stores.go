package store

import "github.com/jmoiron/sqlx"

// Stores bundles every entity store over one shared handle. Constructed
// once at startup and passed to the components that need persistence.
type Stores struct {
	Users        *Users
	Interactions *Interactions
	Cursors      *Cursors
	Quarantine   *Quarantine
	Commitments  *Commitments
	Coherence    *Coherence
	Protocol     *Protocol
	Recovery     *Recovery
}

// New creates all stores over db.
func New(db *sqlx.DB) *Stores {
	return &Stores{
		Users:        NewUsers(db),
		Interactions: NewInteractions(db),
		Cursors:      NewCursors(db),
		Quarantine:   NewQuarantine(db),
		Commitments:  NewCommitments(db),
		Coherence:    NewCoherence(db),
		Protocol:     NewProtocol(db),
		Recovery:     NewRecovery(db),
	}
}
