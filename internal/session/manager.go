package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mvaldez/elicit/internal/results"
	"github.com/mvaldez/elicit/internal/sequencer"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
	StatusEnded    Status = "ended"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrParticipantActive = errors.New("participant already has an active session")
)

// Runtime holds the live engine pieces of one session. It is shared between
// the websocket handler and the export endpoint; the result slot is the
// hand-off point between them.
type Runtime struct {
	Sequencer *sequencer.Sequencer
	Assembler *results.Assembler
	Cancel    context.CancelFunc

	mu     sync.Mutex
	result *results.Result
}

// SetResult publishes the finalized bundle. First write wins.
func (r *Runtime) SetResult(res *results.Result) {
	r.mu.Lock()
	if r.result == nil {
		r.result = res
	}
	r.mu.Unlock()
}

// Result returns the finalized bundle, or nil while the session is still
// running or after it failed.
func (r *Runtime) Result() *results.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

type Session struct {
	ID             string    `json:"session_id"`
	ParticipantID  string    `json:"participant_id"`
	Status         Status    `json:"status"`
	FailureCode    string    `json:"failure_code,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`

	Run *Runtime `json:"-"`
}

type Manager struct {
	mu                   sync.RWMutex
	sessions             map[string]*Session
	sessionByParticipant map[string]string
	inactivityTimeout    time.Duration
	onExpire             func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	return &Manager{
		sessions:             make(map[string]*Session),
		sessionByParticipant: make(map[string]string),
		inactivityTimeout:    inactivityTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create registers a session for a participant. A participant can only drive
// one active session at a time; a finished or failed run frees the slot.
func (m *Manager) Create(participantID string, run *Runtime) (*Session, error) {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		ParticipantID:  participantID,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
		Run:            run,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existingID, ok := m.sessionByParticipant[participantID]; ok {
		if existing, ok := m.sessions[existingID]; ok && existing.Status == StatusActive {
			return nil, ErrParticipantActive
		}
	}
	m.sessions[s.ID] = s
	m.sessionByParticipant[participantID] = s.ID
	return clone(s), nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// Complete marks a session finished with its bundle ready for export.
func (m *Manager) Complete(sessionID string) error {
	return m.transition(sessionID, StatusComplete, "")
}

// Fail marks a session terminally failed with a taxonomy code.
func (m *Manager) Fail(sessionID, code string) error {
	return m.transition(sessionID, StatusFailed, code)
}

func (m *Manager) transition(sessionID string, status Status, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	// Terminal states are final: a session ended by the participant stays
	// ended even if the torn-down run reports a failure afterwards.
	if s.Status != StatusActive {
		return nil
	}
	s.Status = status
	s.FailureCode = code
	s.LastActivityAt = time.Now().UTC()
	delete(m.sessionByParticipant, s.ParticipantID)
	return nil
}

// End marks a session as abandoned by the participant and frees their slot.
// Ending an already-terminal session is a no-op that returns the final state.
func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status != StatusActive {
		return clone(s), nil
	}
	s.Status = StatusEnded
	s.LastActivityAt = time.Now().UTC()
	delete(m.sessionByParticipant, s.ParticipantID)
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.Status != StatusActive {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		s.Status = StatusEnded
		s.LastActivityAt = now
		expired = append(expired, clone(s))
		delete(m.sessionByParticipant, s.ParticipantID)
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
