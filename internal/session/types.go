package session

import "time"

// CreateRequest defines payload for creating a new experiment session.
type CreateRequest struct {
	ParticipantID string `json:"participant_id"`
}

// CreateResponse returns created session metadata together with the derived
// run parameters, so the client can render progress without guessing.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	ParticipantID   string    `json:"participant_id"`
	Status          Status    `json:"status"`
	Seed            int64     `json:"seed"`
	TotalTrials     int       `json:"total_trials"`
	StartedAt       time.Time `json:"started_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
