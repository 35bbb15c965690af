package pubsub

import (
	"github.com/Guizzs26/election_inspection_system/internal/model"
)

// SubscribePath is the route an inspector dials. The party segment is
// path-escaped by the client.
const SubscribePath = "/ws/inspect/{table}/{party}"

type FrameType string

const (
	FrameRegistered FrameType = "registered"
	FrameRejected   FrameType = "rejected"
	FrameVote       FrameType = "vote"
	FrameUnregister FrameType = "unregister"
)

const (
	CodeIllegalElectionState = "illegal_election_state"
	CodeInvalidRequest       = "invalid_request"
	CodeInternal             = "internal"
)

// Frame is the single JSON message shape exchanged over the subscription
// connection. Which fields are set depends on Type.
type Frame struct {
	Type    FrameType        `json:"type"`
	TableID int              `json:"table_id,omitempty"`
	Party   string           `json:"party,omitempty"`
	Code    string           `json:"code,omitempty"`
	Reason  string           `json:"reason,omitempty"`
	Event   *model.VoteEvent `json:"event,omitempty"`
}
