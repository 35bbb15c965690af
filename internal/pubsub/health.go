package pubsub

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Guizzs26/election_inspection_system/internal/election"
	"github.com/Guizzs26/election_inspection_system/internal/model"
)

type RegistrationCounter interface {
	ActiveRegistrations() int
}

type HealthStatus struct {
	Healthy             bool                `json:"healthy"`
	Status              string              `json:"status"`
	ElectionState       model.ElectionState `json:"election_state"`
	ActiveRegistrations int                 `json:"active_registrations"`
	Uptime              float64             `json:"uptime_seconds"`
	Reason              string              `json:"reason,omitempty"`
}

type HealthHandler struct {
	state     election.StateReader
	counter   RegistrationCounter
	startTime time.Time
}

func NewHealthHandler(state election.StateReader, counter RegistrationCounter) *HealthHandler {
	return &HealthHandler{state: state, counter: counter, startTime: time.Now()}
}

func (h *HealthHandler) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		ActiveRegistrations: h.counter.ActiveRegistrations(),
		Uptime:              time.Since(h.startTime).Seconds(),
	}

	state, err := h.state.State(ctx)
	if err != nil {
		status.Status = "DEGRADED"
		status.Reason = "election state unavailable: " + err.Error()
		return status
	}
	status.ElectionState = state
	status.Healthy = true
	status.Status = "HEALTHY"
	return status
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if status.Healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}
