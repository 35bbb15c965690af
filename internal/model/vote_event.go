package model

import (
	"fmt"
	"time"
)

// RegistrationKey identifies one inspector slot: a party watching a polling place.
type RegistrationKey struct {
	TableID int    `json:"table_id"`
	Party   string `json:"party"`
}

func (k RegistrationKey) String() string {
	return fmt.Sprintf("%d/%s", k.TableID, k.Party)
}

// VoteEvent announces that vote data for a table is ready for inspection.
// An empty Party means the event is table-wide and goes to every inspector
// of the table.
type VoteEvent struct {
	ID        string         `json:"id"`
	TableID   int            `json:"table_id"`
	Party     string         `json:"party,omitempty"`
	Votes     int            `json:"votes"`
	Counts    map[string]int `json:"counts,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e VoteEvent) TableWide() bool {
	return e.Party == ""
}

// Matches reports whether an inspector registered under k should see e.
func (e VoteEvent) Matches(k RegistrationKey) bool {
	if e.TableID != k.TableID {
		return false
	}
	return e.TableWide() || e.Party == k.Party
}
