package simulation

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Guizzs26/election_inspection_system/internal/event"
	"github.com/Guizzs26/election_inspection_system/internal/metrics"
	"github.com/Guizzs26/election_inspection_system/internal/model"
	"github.com/Guizzs26/election_inspection_system/internal/store"
)

type Config struct {
	Tables       int
	Parties      []string
	Interval     time.Duration
	SummaryEvery int
}

// Simulator stands in for the tallying side: it counts synthetic ballots and
// announces every new count as a vote event.
type Simulator struct {
	cfg            Config
	tallies        store.TallyStore
	eventPublisher event.VoteEventPublisher
	metrics        *metrics.SimulatorMetrics
	rng            *rand.Rand

	ballots map[int]int // [tableID] -> ballots since the last summary
}

func New(cfg Config, ts store.TallyStore, ep event.VoteEventPublisher, m *metrics.SimulatorMetrics) *Simulator {
	if m == nil {
		m = metrics.NewSimulatorMetrics(nil, "")
	}
	return &Simulator{
		cfg:            cfg,
		tallies:        ts,
		eventPublisher: ep,
		metrics:        m,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		ballots:        make(map[int]int),
	}
}

func (s *Simulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Simulator received shutdown signal")
			return nil

		case <-ticker.C:
			tableID := s.rng.Intn(s.cfg.Tables) + 1
			party := s.cfg.Parties[s.rng.Intn(len(s.cfg.Parties))]
			if err := s.Cast(ctx, tableID, party); err != nil {
				log.Error().Err(err).Int("table_id", tableID).Str("party", party).Msg("Failed to cast simulated ballot")
			}
		}
	}
}

// Cast counts one ballot and publishes the new party count. Every
// SummaryEvery ballots of a table it also publishes a table-wide event with
// the full breakdown.
func (s *Simulator) Cast(ctx context.Context, tableID int, party string) error {
	count, err := s.tallies.RecordVote(ctx, tableID, party)
	if err != nil {
		return err
	}

	s.publish(ctx, model.VoteEvent{
		ID:        uuid.NewString(),
		TableID:   tableID,
		Party:     party,
		Votes:     count,
		Timestamp: time.Now().UTC(),
	})

	s.ballots[tableID]++
	if s.cfg.SummaryEvery <= 0 || s.ballots[tableID] < s.cfg.SummaryEvery {
		return nil
	}
	s.ballots[tableID] = 0

	counts, err := s.tallies.GetResults(ctx, tableID)
	if err != nil {
		return err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	s.publish(ctx, model.VoteEvent{
		ID:        uuid.NewString(),
		TableID:   tableID,
		Votes:     total,
		Counts:    counts,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

func (s *Simulator) publish(ctx context.Context, ev model.VoteEvent) {
	publishCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	log.Debug().Int("table_id", ev.TableID).Str("party", ev.Party).Int("votes", ev.Votes).Msg("Publishing vote event")
	if err := s.eventPublisher.PublishEvent(publishCtx, ev); err != nil {
		s.metrics.PublishErrors.Inc()
		log.Error().Err(err).Str("event_id", ev.ID).Msg("Failed to publish vote event")
		return
	}
	s.metrics.EventsPublished.WithLabelValues(metrics.Scope(ev.TableWide())).Inc()
}
