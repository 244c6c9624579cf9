package model

// StreamStatus is the lifecycle status of one chat request.
type StreamStatus string

const (
	StatusIdle      StreamStatus = "idle"
	StatusSubmitted StreamStatus = "submitted"
	StatusStreaming StreamStatus = "streaming"
	StatusReady     StreamStatus = "ready"
	StatusError     StreamStatus = "error"
)

// InFlight reports whether a request is outstanding.
func (s StreamStatus) InFlight() bool {
	return s == StatusSubmitted || s == StatusStreaming
}

// Terminal reports whether a request has finished.
func (s StreamStatus) Terminal() bool {
	return s == StatusReady || s == StatusError
}

// rank orders statuses within one request.
func (s StreamStatus) rank() int {
	switch s {
	case StatusSubmitted:
		return 1
	case StatusStreaming:
		return 2
	case StatusReady, StatusError:
		return 3
	default:
		return 0
	}
}

// Precedes reports whether moving from s to next goes forward within one
// request. Terminal statuses never move.
func (s StreamStatus) Precedes(next StreamStatus) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// StatusResponse is the response for GET /api/chat/status.
type StatusResponse struct {
	SessionID string       `json:"session_id"`
	Status    StreamStatus `json:"status"`
}
