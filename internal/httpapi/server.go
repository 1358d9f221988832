package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mvaldez/elicit/internal/config"
	"github.com/mvaldez/elicit/internal/export"
	"github.com/mvaldez/elicit/internal/observability"
	"github.com/mvaldez/elicit/internal/protocol"
	"github.com/mvaldez/elicit/internal/session"
)

// Engine is the experiment runtime behind the API: it validates participants,
// allocates per-session state, and drives a session over one websocket.
type Engine interface {
	NewRuntime(participantID string) (*session.Runtime, error)
	Seed(participantID string) int64
	TotalTrials() int
	RunConnection(ctx context.Context, sess *session.Session, inbound <-chan any, outbound chan<- any) error
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	engine   Engine
	metrics  *observability.Metrics
	timing   *observability.TimingWindow
	upgrader websocket.Upgrader
	static   http.Handler
}

func New(cfg config.Config, sessions *session.Manager, engine Engine, metrics *observability.Metrics, timing *observability.TimingWindow) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		engine:   engine,
		metrics:  metrics,
		timing:   timing,
		static:   newStaticHandler(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so another site cannot drive a participant's
				// mic session if the server is exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Get("/ui", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Handle("/ui/*", http.StripPrefix("/ui/", s.static))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/experiment/session", s.handleCreateSession)
	r.Get("/v1/experiment/session/ws", s.handleSessionWS)
	r.Get("/v1/experiment/session/{id}", s.handleGetSession)
	r.Delete("/v1/experiment/session/{id}", s.handleEndSession)
	r.Get("/v1/experiment/session/{id}/export", s.handleExport)
	r.Get("/v1/perf/timing", s.handlePerfTiming)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"total_trials": s.engine.TotalTrials(),
	})
}

func (s *Server) handlePerfTiming(w http.ResponseWriter, _ *http.Request) {
	if s.timing == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.timing.Snapshot())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	participant := strings.TrimSpace(req.ParticipantID)
	if participant == "" {
		respondError(w, http.StatusBadRequest, "configuration_error", "participant_id is required")
		return
	}

	run, err := s.engine.NewRuntime(participant)
	if err != nil {
		respondError(w, http.StatusBadRequest, "configuration_error", err.Error())
		return
	}
	sess, err := s.sessions.Create(participant, run)
	if err != nil {
		if errors.Is(err, session.ErrParticipantActive) {
			respondError(w, http.StatusConflict, "participant_active", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		ParticipantID:   sess.ParticipantID,
		Status:          sess.Status,
		Seed:            s.engine.Seed(participant),
		TotalTrials:     s.engine.TotalTrials(),
		StartedAt:       sess.StartedAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	payload := map[string]any{
		"session_id":     sess.ID,
		"participant_id": sess.ParticipantID,
		"status":         sess.Status,
	}
	if sess.FailureCode != "" {
		payload["failure_code"] = sess.FailureCode
	}
	if sess.Run != nil && sess.Run.Sequencer != nil {
		completed, total := sess.Run.Sequencer.Progress()
		payload["completed_trials"] = completed
		payload["total_trials"] = total
		payload["state"] = string(sess.Run.Sequencer.State())
	}
	respondJSON(w, http.StatusOK, payload)
}

// handleEndSession abandons a session on the participant's behalf: the run is
// cancelled and the participant slot freed. Ending a session that already
// reached a terminal state reports that state unchanged.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Run != nil && sess.Run.Cancel != nil {
		sess.Run.Cancel()
	}
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"status":     sess.Status,
	})
}

// handleExport streams the result bundle. Until the session completes there
// is nothing to download: partial results are never observable.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Status != session.StatusComplete || sess.Run == nil {
		respondError(w, http.StatusConflict, "not_complete", "session has no exportable results")
		return
	}
	res := sess.Run.Result()
	if res == nil {
		respondError(w, http.StatusConflict, "not_complete", "session has no exportable results")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.BundleName(sess.ParticipantID)+`"`)
	if err := export.WriteZip(w, res); err != nil {
		// Headers are already gone; nothing better to do than log-by-metric.
		s.metrics.SessionEvents.WithLabelValues("export_failed").Inc()
		return
	}
	s.metrics.SessionEvents.WithLabelValues("exported").Inc()
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.engine == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "engine not configured")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Status != session.StatusActive {
		respondError(w, http.StatusConflict, "session_not_active", "session already reached a terminal state")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})
	writerDone := make(chan struct{})

	writeMsg := func(msg any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			return false
		}
		if t, ok := messageTypeOf(msg); ok {
			s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
		}
		return true
	}

	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				// Flush whatever the engine queued before the session ended;
				// the terminal session_complete/error_event lives here.
				for {
					select {
					case msg := <-outbound:
						if !writeMsg(msg) {
							return
						}
					default:
						return
					}
				}
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				if !writeMsg(msg) {
					cancel()
					return
				}
			}
		}
	}()

	go func() {
		defer close(runDone)
		_ = s.engine.RunConnection(ctx, sess, inbound, outbound)
		cancel()
		<-writerDone
		// Unblock the read loop; the session is over either way.
		_ = conn.Close()
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Keep websocket writes single-threaded; drop if the outbound
				// queue is saturated.
			}
			continue
		}

		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientStart:
		return m.Type, true
	case protocol.ClientMicChunk:
		return m.Type, true
	case protocol.ClientMicState:
		return m.Type, true
	case protocol.SessionState:
		return m.Type, true
	case protocol.ShowPrompt:
		return m.Type, true
	case protocol.ShowFixation:
		return m.Type, true
	case protocol.PlayStimulus:
		return m.Type, true
	case protocol.TrialCompleted:
		return m.Type, true
	case protocol.SessionComplete:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
