package event

import (
	"context"
	"errors"

	"github.com/Guizzs26/election_inspection_system/internal/model"
)

// ErrMalformedEvent marks a message that was read but could not be decoded.
// The message is consumed; callers skip it and keep reading.
var ErrMalformedEvent = errors.New("malformed vote event")

type VoteEventConsumer interface {
	ReadEvent(ctx context.Context) (model.VoteEvent, error)
	Close() error
}
