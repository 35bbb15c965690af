package processing

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Guizzs26/election_inspection_system/internal/event"
	"github.com/Guizzs26/election_inspection_system/internal/metrics"
	"github.com/Guizzs26/election_inspection_system/internal/model"
)

// Notifier is the inspection side of the forwarder.
type Notifier interface {
	Notify(ev model.VoteEvent) int
}

// EventForwarder moves vote events from the tally stream to the inspection
// service. The broker delivers at least once, so events already forwarded
// (by id, within a bounded window) are skipped.
type EventForwarder struct {
	consumer event.VoteEventConsumer
	notifier Notifier
	metrics  *metrics.ForwarderMetrics

	summaryInterval time.Duration
	readBackoff     time.Duration

	mu        sync.RWMutex
	seen      map[string]struct{}
	seenOrder []string
	window    int
	forwarded map[int]int // [tableID] -> events forwarded
}

func NewEventForwarder(c event.VoteEventConsumer, n Notifier, m *metrics.ForwarderMetrics, dedupWindow int) *EventForwarder {
	if m == nil {
		m = metrics.NewForwarderMetrics(nil, "")
	}
	return &EventForwarder{
		consumer:        c,
		notifier:        n,
		metrics:         m,
		summaryInterval: 30 * time.Second,
		readBackoff:     time.Second,
		seen:            make(map[string]struct{}),
		window:          dedupWindow,
		forwarded:       make(map[int]int),
	}
}

func (f *EventForwarder) Run(ctx context.Context) error {
	events := make(chan model.VoteEvent)
	readErr := make(chan error, 1)
	go f.readLoop(ctx, events, readErr)

	sTicker := time.NewTicker(f.summaryInterval)
	defer sTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Event forwarder received signal to stop")
			return nil

		case err := <-readErr:
			return err

		case <-sTicker.C:
			f.logSummary()

		case ev := <-events:
			f.Forward(ev)
		}
	}
}

func (f *EventForwarder) readLoop(ctx context.Context, out chan<- model.VoteEvent, errc chan<- error) {
	for {
		ev, err := f.consumer.ReadEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				errc <- err
				return
			}
			if errors.Is(err, event.ErrMalformedEvent) {
				f.metrics.EventsMalformed.Inc()
				continue
			}
			log.Error().Err(err).Msg("Error reading vote event")
			select {
			case <-time.After(f.readBackoff):
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// Forward hands ev to the notifier unless it was already forwarded. It reports
// whether the event was forwarded.
func (f *EventForwarder) Forward(ev model.VoteEvent) bool {
	start := time.Now()
	defer func() {
		f.metrics.ProcessingTime.Observe(time.Since(start).Seconds())
	}()

	if !f.markSeen(ev) {
		f.metrics.EventsDuplicate.Inc()
		log.Debug().Str("event_id", ev.ID).Int("table_id", ev.TableID).Msg("Duplicate vote event skipped")
		return false
	}

	reached := f.notifier.Notify(ev)
	f.metrics.ObserversReached.Observe(float64(reached))
	f.metrics.EventsForwarded.WithLabelValues(strconv.Itoa(ev.TableID), metrics.Scope(ev.TableWide())).Inc()

	f.mu.Lock()
	f.forwarded[ev.TableID]++
	f.mu.Unlock()

	log.Debug().
		Str("event_id", ev.ID).
		Int("table_id", ev.TableID).
		Str("party", ev.Party).
		Int("observers", reached).
		Msg("Vote event forwarded")
	return true
}

func (f *EventForwarder) markSeen(ev model.VoteEvent) bool {
	if ev.ID == "" || f.window <= 0 {
		return true
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.seen[ev.ID]; ok {
		return false
	}
	f.seen[ev.ID] = struct{}{}
	f.seenOrder = append(f.seenOrder, ev.ID)
	if len(f.seenOrder) > f.window {
		oldest := f.seenOrder[0]
		f.seenOrder = f.seenOrder[1:]
		delete(f.seen, oldest)
	}
	return true
}

func (f *EventForwarder) Forwarded(tableID int) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.forwarded[tableID]
}

func (f *EventForwarder) logSummary() {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.forwarded) == 0 {
		log.Info().Msg("No vote events forwarded yet")
		return
	}
	for tableID, count := range f.forwarded {
		log.Info().Int("table_id", tableID).Int("events", count).Msg("Forwarding summary")
	}
}
