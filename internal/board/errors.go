package board

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors callers branch on with errors.Is.
var (
	// ErrClaimConflict means another worker won the claim race. Expected
	// under concurrent workers; not counted as a failure.
	ErrClaimConflict = errors.New("task already claimed")

	// ErrDependencyCycle means the requested edge would make the dependency
	// graph cyclic. The board rejects it before any write.
	ErrDependencyCycle = errors.New("dependency would create a cycle")

	// ErrNotFound means the task or worker does not exist on the board.
	ErrNotFound = errors.New("not found")
)

// APIError is a non-2xx response from the board.
type APIError struct {
	Op      string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("board %s: %d %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("board %s: status %d", e.Op, e.Status)
}

// Transient reports whether the failure is expected to clear on its own,
// making a retry (or the next poll) worthwhile. 5xx and 429 qualify;
// everything else in the 4xx range is a contract problem.
func (e *APIError) Transient() bool {
	return e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
}

// IsTransient reports whether err is a failure worth retrying: either a
// transport error (no response at all) or a transient API error.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	// Claim conflicts, cycles and not-founds are definitive answers.
	if errors.Is(err, ErrClaimConflict) || errors.Is(err, ErrDependencyCycle) || errors.Is(err, ErrNotFound) {
		return false
	}
	// Anything else at this layer is a transport failure.
	return true
}
