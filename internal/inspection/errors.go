package inspection

import (
	"errors"
	"fmt"
)

const (
	ReasonElectionNotOpen   = "election not open"
	ReasonAlreadyRegistered = "inspector already registered"
)

// IllegalElectionStateError is a business-rule rejection of a registration.
// It is an expected outcome, not a failure of the service.
type IllegalElectionStateError struct {
	Reason string
}

func (e *IllegalElectionStateError) Error() string {
	return e.Reason
}

func IsIllegalElectionState(err error) bool {
	var target *IllegalElectionStateError
	return errors.As(err, &target)
}

var (
	ErrInvalidRegistration = errors.New("invalid registration")
	ErrServiceClosed       = errors.New("inspection service closed")

	// ErrObserverUnreachable is returned by an Observer whose channel to the
	// inspector is gone. The service revokes the registration on first sight.
	ErrObserverUnreachable = errors.New("observer unreachable")
)

func invalidRegistration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRegistration, fmt.Sprintf(format, args...))
}
