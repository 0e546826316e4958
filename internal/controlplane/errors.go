package controlplane

import (
	"errors"
	"net/http"

	"github.com/fentz26/swarm/internal/concurrency"
	"github.com/fentz26/swarm/internal/launcher"
	"github.com/fentz26/swarm/internal/mission"
)

// Sentinel errors for control plane operations.
var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrNotCancellable  = errors.New("task is not pending or running")
	ErrTaskNotFinished = errors.New("task has not finished")
	ErrHistoryDisabled = errors.New("history requires a configured store")
	ErrInvalidEvent    = errors.New("unsupported event type")
	ErrInvalidRequest  = errors.New("invalid request")
)

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrTaskNotFound), errors.Is(err, launcher.ErrTaskNotFound), errors.Is(err, mission.ErrNoMission):
		return http.StatusNotFound
	case errors.Is(err, ErrNotCancellable), errors.Is(err, ErrTaskNotFinished), errors.Is(err, mission.ErrMissionActive),
		errors.Is(err, launcher.ErrTaskPending):
		return http.StatusConflict
	case errors.Is(err, concurrency.ErrCircuitOpen), errors.Is(err, concurrency.ErrResourcePressure), errors.Is(err, concurrency.ErrQueueTimeout):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrHistoryDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrInvalidEvent), errors.Is(err, ErrInvalidRequest), errors.Is(err, concurrency.ErrInvalidLimit),
		errors.Is(err, launcher.ErrMaxDepth), errors.Is(err, launcher.ErrNoInputs):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
