package event

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/Guizzs26/election_inspection_system/internal/model"
)

// Messages are keyed by table id so every event of a polling place lands on
// the same partition and keeps its order.
func messageKey(ev model.VoteEvent) []byte {
	return []byte(strconv.Itoa(ev.TableID))
}

func encodeEvent(ev model.VoteEvent) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal vote event: %w", err)
	}
	return b, nil
}

func decodeEvent(b []byte) (model.VoteEvent, error) {
	var ev model.VoteEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return model.VoteEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.TableID <= 0 {
		return model.VoteEvent{}, fmt.Errorf("%w: table id %d", ErrMalformedEvent, ev.TableID)
	}
	return ev, nil
}
