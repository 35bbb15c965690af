// Package client is the inspector side of the subscription protocol: the
// observer handle that receives vote events and the websocket session that
// registers it with the inspection server.
package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/Guizzs26/election_inspection_system/internal/model"
)

type HandleConfig struct {
	Out         io.Writer
	Renderer    Renderer
	HistorySize int
}

// Handle receives the vote events of one registration. Its identity is fixed
// at construction. OnVoteAvailable is safe to call from any goroutine and
// never fails towards the caller.
type Handle struct {
	key model.RegistrationKey

	out         io.Writer
	renderer    Renderer
	historySize int

	mu      sync.Mutex // guards out and history
	history []model.VoteEvent

	received atomic.Int64
	failed   atomic.Int64
}

func NewHandle(tableID int, party string, cfg HandleConfig) *Handle {
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Renderer == nil {
		cfg.Renderer = NewStyledRenderer()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	return &Handle{
		key:         model.RegistrationKey{TableID: tableID, Party: party},
		out:         cfg.Out,
		renderer:    cfg.Renderer,
		historySize: cfg.HistorySize,
	}
}

func (h *Handle) Key() model.RegistrationKey { return h.key }
func (h *Handle) TableID() int               { return h.key.TableID }
func (h *Handle) Party() string              { return h.key.Party }

func (h *Handle) OnVoteAvailable(ctx context.Context, ev model.VoteEvent) error {
	h.received.Add(1)
	defer func() {
		if p := recover(); p != nil {
			h.failed.Add(1)
			log.Error().Interface("panic", p).Str("event_id", ev.ID).Msg("Recovered while handling vote event")
		}
	}()

	h.remember(ev)

	line, err := h.renderer.Render(ev)
	if err != nil {
		h.failed.Add(1)
		log.Error().Err(err).Str("event_id", ev.ID).Msg("Failed to render vote event")
		return nil
	}

	h.mu.Lock()
	_, err = fmt.Fprintln(h.out, line)
	h.mu.Unlock()
	if err != nil {
		h.failed.Add(1)
		log.Error().Err(err).Str("event_id", ev.ID).Msg("Failed to print vote event")
	}
	return nil
}

func (h *Handle) remember(ev model.VoteEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.history = append(h.history, ev)
	if over := len(h.history) - h.historySize; over > 0 {
		h.history = append(h.history[:0:0], h.history[over:]...)
	}
}

// Events returns the most recent events, oldest first.
func (h *Handle) Events() []model.VoteEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.VoteEvent(nil), h.history...)
}

func (h *Handle) Received() int64 { return h.received.Load() }
func (h *Handle) Failed() int64   { return h.failed.Load() }
