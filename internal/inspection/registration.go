package inspection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Guizzs26/election_inspection_system/internal/metrics"
	"github.com/Guizzs26/election_inspection_system/internal/model"
)

// Registration binds a RegistrationKey to an observer. The service owns the
// binding, never the observer.
type Registration struct {
	Key model.RegistrationKey

	id       uint64
	svc      *Service
	observer Observer
	queue    chan model.VoteEvent
	done     chan struct{}
	stopOnce sync.Once

	failures int // only touched by run
}

func newRegistration(svc *Service, id uint64, key model.RegistrationKey, obs Observer) *Registration {
	return &Registration{
		Key:      key,
		id:       id,
		svc:      svc,
		observer: obs,
		queue:    make(chan model.VoteEvent, svc.cfg.QueueSize),
		done:     make(chan struct{}),
	}
}

// Cancel removes this registration, and only this one: a later registration
// of the same key is left untouched.
func (r *Registration) Cancel() {
	r.svc.remove(r, "cancelled")
}

// Done is closed once the registration has been revoked.
func (r *Registration) Done() <-chan struct{} {
	return r.done
}

func (r *Registration) stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

func (r *Registration) enqueue(ev model.VoteEvent) bool {
	select {
	case <-r.done:
		return false
	default:
	}

	select {
	case r.queue <- ev:
		return true
	default:
		r.svc.metrics.Deliveries.WithLabelValues(metrics.OutcomeDropped).Inc()
		log.Warn().
			Int("table_id", r.Key.TableID).
			Str("party", r.Key.Party).
			Str("event_id", ev.ID).
			Msg("Observer queue full, dropping vote event")
		return false
	}
}

func (r *Registration) run() {
	defer r.svc.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case ev := <-r.queue:
			r.deliver(ev)
		}
	}
}

func (r *Registration) deliver(ev model.VoteEvent) {
	start := time.Now()
	err := r.call(ev)
	r.svc.metrics.DeliveryTime.Observe(time.Since(start).Seconds())

	if err == nil {
		r.failures = 0
		r.svc.metrics.Deliveries.WithLabelValues(metrics.OutcomeDelivered).Inc()
		return
	}

	r.failures++
	r.svc.metrics.Deliveries.WithLabelValues(metrics.OutcomeFailed).Inc()
	log.Warn().
		Err(err).
		Int("table_id", r.Key.TableID).
		Str("party", r.Key.Party).
		Str("event_id", ev.ID).
		Int("consecutive_failures", r.failures).
		Msg("Vote event delivery failed")

	limit := r.svc.cfg.MaxDeliveryFailures
	if errors.Is(err, ErrObserverUnreachable) || (limit > 0 && r.failures >= limit) {
		r.svc.metrics.Evictions.Inc()
		r.svc.remove(r, "delivery failure")
	}
}

// call runs one delivery bounded by the delivery timeout. An observer that
// ignores its context is abandoned once the timeout fires.
func (r *Registration) call(ev model.VoteEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.svc.cfg.DeliveryTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				result <- fmt.Errorf("observer panic: %v", p)
			}
		}()
		result <- r.observer.OnVoteAvailable(ctx, ev)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("delivery timed out after %s: %w", r.svc.cfg.DeliveryTimeout, ctx.Err())
	}
}
