// Package inspection tracks which inspector observes which polling place and
// pushes vote-availability events to them.
//
// The registry is a single map guarded by one RWMutex. Register and
// Unregister hold the write lock for the check-and-insert, Notify holds the
// read lock only to snapshot matching registrations. Each registration owns
// a bounded queue drained by its own goroutine, so observers are called in
// event order, outside the lock, and a slow observer never blocks the
// producer of events or its peers.
package inspection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Guizzs26/election_inspection_system/internal/election"
	"github.com/Guizzs26/election_inspection_system/internal/metrics"
	"github.com/Guizzs26/election_inspection_system/internal/model"
)

// Observer is the inspector-side endpoint. Implementations must honour ctx:
// the service gives up on a call once it expires.
type Observer interface {
	OnVoteAvailable(ctx context.Context, ev model.VoteEvent) error
}

type Config struct {
	// PollingPlaces bounds valid table ids to 1..PollingPlaces. Zero accepts
	// any positive id.
	PollingPlaces       int
	DeliveryTimeout     time.Duration
	QueueSize           int
	MaxDeliveryFailures int
}

func DefaultConfig() Config {
	return Config{
		DeliveryTimeout:     5 * time.Second,
		QueueSize:           64,
		MaxDeliveryFailures: 3,
	}
}

type Service struct {
	cfg     Config
	state   election.StateReader
	metrics *metrics.InspectionMetrics

	mu            sync.RWMutex
	registrations map[int]map[string]*Registration // [tableID][party]
	nextID        uint64
	closed        bool

	wg sync.WaitGroup
}

func NewService(cfg Config, state election.StateReader, m *metrics.InspectionMetrics) *Service {
	def := DefaultConfig()
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if m == nil {
		m = metrics.NewInspectionMetrics(nil, "")
	}
	return &Service{
		cfg:           cfg,
		state:         state,
		metrics:       m,
		registrations: make(map[int]map[string]*Registration),
	}
}

func (s *Service) validate(key model.RegistrationKey) error {
	if key.TableID <= 0 {
		return invalidRegistration("table id must be positive, got %d", key.TableID)
	}
	if s.cfg.PollingPlaces > 0 && key.TableID > s.cfg.PollingPlaces {
		return invalidRegistration("unknown polling place %d", key.TableID)
	}
	if key.Party == "" {
		return invalidRegistration("party name must not be empty")
	}
	return nil
}

// Register binds obs to (tableID, party). Events notified after Register
// returns reach obs. Rejections by election rules are returned as
// *IllegalElectionStateError.
func (s *Service) Register(ctx context.Context, tableID int, party string, obs Observer) (*Registration, error) {
	key := model.RegistrationKey{TableID: tableID, Party: party}
	if err := s.validate(key); err != nil {
		s.metrics.Registrations.WithLabelValues(metrics.OutcomeInvalid).Inc()
		return nil, err
	}
	if obs == nil {
		s.metrics.Registrations.WithLabelValues(metrics.OutcomeInvalid).Inc()
		return nil, invalidRegistration("observer must not be nil")
	}

	state, err := s.state.State(ctx)
	if err != nil {
		return nil, fmt.Errorf("error reading election state: %w", err)
	}
	if state != model.ElectionOpen {
		s.metrics.Registrations.WithLabelValues(metrics.OutcomeNotOpen).Inc()
		return nil, &IllegalElectionStateError{Reason: ReasonElectionNotOpen}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrServiceClosed
	}
	parties := s.registrations[tableID]
	if parties == nil {
		parties = make(map[string]*Registration)
		s.registrations[tableID] = parties
	}
	if _, ok := parties[party]; ok {
		s.mu.Unlock()
		s.metrics.Registrations.WithLabelValues(metrics.OutcomeAlreadyRegistered).Inc()
		return nil, &IllegalElectionStateError{Reason: ReasonAlreadyRegistered}
	}

	s.nextID++
	reg := newRegistration(s, s.nextID, key, obs)
	parties[party] = reg
	s.wg.Add(1)
	s.mu.Unlock()

	go reg.run()

	s.metrics.Registrations.WithLabelValues(metrics.OutcomeAccepted).Inc()
	s.metrics.ActiveRegistrations.Inc()
	log.Info().Int("table_id", tableID).Str("party", party).Msg("Inspector registered")
	return reg, nil
}

// Unregister removes whatever is registered under (tableID, party), if
// anything.
func (s *Service) Unregister(tableID int, party string) {
	s.mu.Lock()
	reg := s.registrations[tableID][party]
	if reg != nil {
		s.deleteLocked(reg)
	}
	s.mu.Unlock()

	if reg != nil {
		s.released(reg, "unregistered")
	}
}

func (s *Service) remove(reg *Registration, reason string) {
	s.mu.Lock()
	owned := s.registrations[reg.Key.TableID][reg.Key.Party] == reg
	if owned {
		s.deleteLocked(reg)
	}
	s.mu.Unlock()

	if owned {
		s.released(reg, reason)
	}
	reg.stop()
}

func (s *Service) deleteLocked(reg *Registration) {
	parties := s.registrations[reg.Key.TableID]
	delete(parties, reg.Key.Party)
	if len(parties) == 0 {
		delete(s.registrations, reg.Key.TableID)
	}
	reg.stop()
}

func (s *Service) released(reg *Registration, reason string) {
	s.metrics.ActiveRegistrations.Dec()
	log.Info().
		Int("table_id", reg.Key.TableID).
		Str("party", reg.Key.Party).
		Str("reason", reason).
		Msg("Inspector registration removed")
}

// Notify queues ev for every matching observer and returns how many it was
// queued for. It never waits on an observer.
func (s *Service) Notify(ev model.VoteEvent) int {
	s.mu.RLock()
	parties := s.registrations[ev.TableID]
	matches := make([]*Registration, 0, len(parties))
	if ev.TableWide() {
		for _, reg := range parties {
			matches = append(matches, reg)
		}
	} else if reg, ok := parties[ev.Party]; ok {
		matches = append(matches, reg)
	}
	s.mu.RUnlock()

	queued := 0
	for _, reg := range matches {
		if reg.enqueue(ev) {
			queued++
		}
	}
	return queued
}

func (s *Service) ActiveRegistrations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, parties := range s.registrations {
		n += len(parties)
	}
	return n
}

// Close revokes every registration and waits for in-flight deliveries to
// finish, or for ctx.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	var revoked []*Registration
	for _, parties := range s.registrations {
		for _, reg := range parties {
			revoked = append(revoked, reg)
		}
	}
	for _, reg := range revoked {
		s.deleteLocked(reg)
	}
	s.mu.Unlock()

	for _, reg := range revoked {
		s.released(reg, "service closed")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
