package event

import (
	"context"

	"github.com/Guizzs26/election_inspection_system/internal/model"
)

type VoteEventPublisher interface {
	PublishEvent(ctx context.Context, ev model.VoteEvent) error
	Close() error
}
