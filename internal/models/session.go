package models

// SessionStatus represents the status of a realtime session.
type SessionStatus string

const (
	SessionStatusPending SessionStatus = "pending"
	SessionStatusLive    SessionStatus = "live"
	SessionStatusError   SessionStatus = "error"
	SessionStatusStopped SessionStatus = "stopped"
)

// LiveSession describes a realtime view that re-runs the pipeline on a fixed
// poll interval.
type LiveSession struct {
	ID             string        `json:"id"`
	SubjectID      uint64        `json:"subjectId"`
	Hours          int           `json:"hours"`
	PeakCut        bool          `json:"peakCut"`
	Keys           []string      `json:"keys,omitempty"`
	Status         SessionStatus `json:"status"`
	PollIntervalMs int64         `json:"pollIntervalMs"`
	Generation     uint64        `json:"generation"`
	LastRunMs      int64         `json:"lastRunMs,omitempty"`  // Unix ms of the last published run
	ProcessingMs   int64         `json:"processingMs,omitempty"`
	LastError      string        `json:"lastError,omitempty"`
}

// NewLiveSession creates a LiveSession in pending status.
func NewLiveSession(id string, subjectID uint64, hours int) *LiveSession {
	return &LiveSession{
		ID:        id,
		SubjectID: subjectID,
		Hours:     hours,
		Status:    SessionStatusPending,
	}
}
