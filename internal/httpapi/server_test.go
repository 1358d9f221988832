package httpapi

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mvaldez/elicit/internal/config"
	"github.com/mvaldez/elicit/internal/observability"
	"github.com/mvaldez/elicit/internal/order"
	"github.com/mvaldez/elicit/internal/protocol"
	"github.com/mvaldez/elicit/internal/results"
	"github.com/mvaldez/elicit/internal/session"
)

type fakeEngine struct {
	run func(ctx context.Context, sess *session.Session, inbound <-chan any, outbound chan<- any) error
}

func (e *fakeEngine) NewRuntime(participantID string) (*session.Runtime, error) {
	if _, err := order.NewSessionConfig(participantID, [2]string{"female", "male"}); err != nil {
		return nil, err
	}
	return &session.Runtime{Assembler: results.NewAssembler(participantID)}, nil
}

func (e *fakeEngine) Seed(participantID string) int64 {
	return order.SeedFromParticipant(participantID)
}

func (e *fakeEngine) TotalTrials() int { return 48 }

func (e *fakeEngine) RunConnection(ctx context.Context, sess *session.Session, inbound <-chan any, outbound chan<- any) error {
	if e.run != nil {
		return e.run(ctx, sess, inbound, outbound)
	}
	<-ctx.Done()
	return nil
}

func newTestServer(t *testing.T, eng Engine) (*Server, *session.Manager) {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	metrics := observability.NewMetrics(fmt.Sprintf("elicit_test_httpapi_%d", time.Now().UnixNano()))
	return New(cfg, sessions, eng, metrics, observability.NewTimingWindow(64)), sessions
}

func createSession(t *testing.T, ts *httptest.Server, participant string) map[string]any {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"participant_id": participant})
	res, err := http.Post(ts.URL+"/v1/experiment/session", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created map[string]any
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return created
}

func TestCreateSession(t *testing.T) {
	srv, _ := newTestServer(t, &fakeEngine{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	created := createSession(t, ts, "S014")
	if created["session_id"] == "" {
		t.Fatalf("missing session_id: %+v", created)
	}
	if got := created["seed"].(float64); got != 14 {
		t.Fatalf("seed = %v, want 14", got)
	}
	if got := created["total_trials"].(float64); got != 48 {
		t.Fatalf("total_trials = %v, want 48", got)
	}
}

func TestCreateSessionRejectsEmptyParticipant(t *testing.T) {
	srv, _ := newTestServer(t, &fakeEngine{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/v1/experiment/session", "application/json",
		strings.NewReader(`{"participant_id":"  "}`))
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	var payload map[string]string
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["code"] != "configuration_error" {
		t.Fatalf("code = %q, want configuration_error", payload["code"])
	}
}

func TestCreateSessionRejectsActiveDuplicate(t *testing.T) {
	srv, _ := newTestServer(t, &fakeEngine{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	createSession(t, ts, "S014")

	body, _ := json.Marshal(map[string]string{"participant_id": "S014"})
	res, err := http.Post(ts.URL+"/v1/experiment/session", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestEndSessionCancelsRunAndFreesParticipant(t *testing.T) {
	srv, sessions := newTestServer(t, &fakeEngine{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	created := createSession(t, ts, "S014")
	id := created["session_id"].(string)

	cancelled := make(chan struct{})
	sess, err := sessions.Get(id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	sess.Run.Cancel = func() { close(cancelled) }

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/experiment/session/"+id, nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("end request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var ended map[string]any
	if err := json.NewDecoder(res.Body).Decode(&ended); err != nil {
		t.Fatalf("decode end response: %v", err)
	}
	if ended["status"] != string(session.StatusEnded) {
		t.Fatalf("status = %v, want %s", ended["status"], session.StatusEnded)
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("ending the session never cancelled its run")
	}

	// The participant slot is free again.
	createSession(t, ts, "S014")

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/v1/experiment/session/unknown", nil)
	res2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("end request error = %v", err)
	}
	res2.Body.Close()
	if res2.StatusCode != http.StatusNotFound {
		t.Fatalf("end unknown status = %d, want %d", res2.StatusCode, http.StatusNotFound)
	}
}

func TestExportIsConflictUntilComplete(t *testing.T) {
	srv, sessions := newTestServer(t, &fakeEngine{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	created := createSession(t, ts, "S014")
	id := created["session_id"].(string)

	res, err := http.Get(ts.URL + "/v1/experiment/session/" + id + "/export")
	if err != nil {
		t.Fatalf("export request error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("export status = %d, want %d while active", res.StatusCode, http.StatusConflict)
	}

	sess, err := sessions.Get(id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	sess.Run.SetResult(&results.Result{
		ParticipantID: "S014",
		CSVName:       "results_S014.csv",
		CSV:           []byte("trial,attempt\n1,1\n"),
		Recordings:    []results.Artifact{{Name: "S014_trial1_female_mesa.wav", Data: []byte("RIFF")}},
	})
	if err := sessions.Complete(id); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	res, err = http.Get(ts.URL + "/v1/experiment/session/" + id + "/export")
	if err != nil {
		t.Fatalf("export request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("export status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/zip" {
		t.Fatalf("content type = %q, want application/zip", ct)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(res.Body); err != nil {
		t.Fatalf("read export body: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("export is not a zip: %v", err)
	}
	if len(zr.File) != 2 {
		t.Fatalf("archive has %d entries, want 2", len(zr.File))
	}
}

func TestExportUnknownSessionIs404(t *testing.T) {
	srv, _ := newTestServer(t, &fakeEngine{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/experiment/session/nope/export")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestSessionWSRoundTrip(t *testing.T) {
	eng := &fakeEngine{
		run: func(ctx context.Context, sess *session.Session, inbound <-chan any, outbound chan<- any) error {
			outbound <- protocol.SessionState{
				Type:      protocol.TypeSessionState,
				SessionID: sess.ID,
				State:     "awaiting_start",
			}
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case msg, ok := <-inbound:
					if !ok {
						return nil
					}
					if _, isStart := msg.(protocol.ClientStart); isStart {
						outbound <- protocol.SessionComplete{
							Type:      protocol.TypeSessionDone,
							SessionID: sess.ID,
							ExportURL: "/v1/experiment/session/" + sess.ID + "/export",
						}
						return nil
					}
				}
			}
		},
	}
	srv, _ := newTestServer(t, eng)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	created := createSession(t, ts, "S014")
	id := created["session_id"].(string)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/experiment/session/ws?session_id=" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	var state protocol.SessionState
	if err := conn.ReadJSON(&state); err != nil {
		t.Fatalf("read state: %v", err)
	}
	if state.State != "awaiting_start" {
		t.Fatalf("state = %q, want awaiting_start", state.State)
	}

	if err := conn.WriteJSON(protocol.ClientStart{Type: protocol.TypeClientStart, SessionID: id}); err != nil {
		t.Fatalf("write start: %v", err)
	}

	var complete protocol.SessionComplete
	if err := conn.ReadJSON(&complete); err != nil {
		t.Fatalf("read completion: %v", err)
	}
	if complete.Type != protocol.TypeSessionDone {
		t.Fatalf("type = %q, want %q", complete.Type, protocol.TypeSessionDone)
	}
}

func TestSessionWSRequiresKnownSession(t *testing.T) {
	srv, _ := newTestServer(t, &fakeEngine{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/experiment/session/ws?session_id=nope")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestUIRoutes(t *testing.T) {
	srv, _ := newTestServer(t, &fakeEngine{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	rootRes, err := client.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / error = %v", err)
	}
	defer rootRes.Body.Close()
	if rootRes.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("GET / status = %d, want %d", rootRes.StatusCode, http.StatusTemporaryRedirect)
	}
	if got := rootRes.Header.Get("Location"); got != "/ui/" {
		t.Fatalf("GET / location = %q, want %q", got, "/ui/")
	}

	uiRes, err := http.Get(ts.URL + "/ui/")
	if err != nil {
		t.Fatalf("GET /ui/ error = %v", err)
	}
	defer uiRes.Body.Close()
	if uiRes.StatusCode != http.StatusOK {
		t.Fatalf("GET /ui/ status = %d, want %d", uiRes.StatusCode, http.StatusOK)
	}

	var body bytes.Buffer
	if _, err := body.ReadFrom(uiRes.Body); err != nil {
		t.Fatalf("reading /ui/ body failed: %v", err)
	}
	if !strings.Contains(body.String(), `id="stage"`) {
		t.Fatalf("GET /ui/ body missing expected content")
	}
}
