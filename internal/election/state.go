// Package election holds the process-wide election state and the rules for
// moving it forward. Transitions are driven by an election-control operator;
// the inspection service only reads the current state.
package election

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Guizzs26/election_inspection_system/internal/model"
)

var ErrIllegalTransition = errors.New("illegal election state transition")

type TransitionError struct {
	From model.ElectionState
	To   model.ElectionState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move election from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

type StateReader interface {
	State(ctx context.Context) (model.ElectionState, error)
}

type StateStore interface {
	StateReader
	// Transition moves the election to `to`, which must be the immediate
	// successor of the current state.
	Transition(ctx context.Context, to model.ElectionState) error
}

type MemoryStore struct {
	mu    sync.RWMutex
	state model.ElectionState
}

func NewMemoryStore(initial model.ElectionState) *MemoryStore {
	return &MemoryStore{state: initial}
}

func (m *MemoryStore) State(ctx context.Context) (model.ElectionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, nil
}

func (m *MemoryStore) Transition(ctx context.Context, to model.ElectionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.CanTransitionTo(to) {
		return &TransitionError{From: m.state, To: to}
	}
	m.state = to
	return nil
}

// Open and Close are the two transitions an operator can request.
func Open(ctx context.Context, s StateStore) error {
	return s.Transition(ctx, model.ElectionOpen)
}

func Close(ctx context.Context, s StateStore) error {
	return s.Transition(ctx, model.ElectionClosed)
}
