package model

import (
	"fmt"
	"strings"
)

type ElectionState int

const (
	ElectionNotStarted ElectionState = iota
	ElectionOpen
	ElectionClosed
)

func (s ElectionState) String() string {
	switch s {
	case ElectionNotStarted:
		return "NOT_STARTED"
	case ElectionOpen:
		return "OPEN"
	case ElectionClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("ElectionState(%d)", int(s))
	}
}

// Next returns the only state s may move to. CLOSED is terminal.
func (s ElectionState) Next() (ElectionState, bool) {
	switch s {
	case ElectionNotStarted:
		return ElectionOpen, true
	case ElectionOpen:
		return ElectionClosed, true
	default:
		return s, false
	}
}

func (s ElectionState) CanTransitionTo(to ElectionState) bool {
	next, ok := s.Next()
	return ok && next == to
}

func ParseElectionState(raw string) (ElectionState, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "NOT_STARTED", "NOT-STARTED", "NOTSTARTED":
		return ElectionNotStarted, nil
	case "OPEN":
		return ElectionOpen, nil
	case "CLOSED":
		return ElectionClosed, nil
	default:
		return 0, fmt.Errorf("unknown election state %q", raw)
	}
}

func (s ElectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ElectionState) UnmarshalText(b []byte) error {
	parsed, err := ParseElectionState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
