package store

import (
	"context"

	"github.com/Guizzs26/election_inspection_system/internal/election"
)

// ElectionStore persists the election state so every server process and the
// election-control command agree on it.
type ElectionStore interface {
	election.StateStore
	Close() error
}

// TallyStore keeps the running per-party counts of each polling place. Only
// the tally simulator writes to it.
type TallyStore interface {
	RecordVote(ctx context.Context, tableID int, party string) (int, error)
	GetResults(ctx context.Context, tableID int) (map[string]int, error)
	Close() error
}
