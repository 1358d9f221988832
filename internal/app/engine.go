package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mvaldez/elicit/internal/capture"
	"github.com/mvaldez/elicit/internal/catalog"
	"github.com/mvaldez/elicit/internal/config"
	"github.com/mvaldez/elicit/internal/observability"
	"github.com/mvaldez/elicit/internal/order"
	"github.com/mvaldez/elicit/internal/protocol"
	"github.com/mvaldez/elicit/internal/results"
	"github.com/mvaldez/elicit/internal/sequencer"
	"github.com/mvaldez/elicit/internal/session"
	"github.com/mvaldez/elicit/internal/stimuli"
)

// Failure taxonomy codes surfaced to the client and to metrics.
const (
	CodeConfigurationError = "configuration_error"
	CodeAssetLoadError     = "asset_load_error"
	CodePermissionDenied   = "permission_denied"
	CodeCaptureError       = "capture_error"
	CodeSessionCancelled   = "session_cancelled"
	CodeInternalError      = "internal_error"
)

// Engine owns everything behind the websocket: it builds one sequencer per
// connection, feeds it microphone frames from the client, and turns its
// callbacks into protocol messages.
type Engine struct {
	cfg      config.Config
	sessions *session.Manager
	items    []catalog.Item
	source   stimuli.Source
	metrics  *observability.Metrics
	timing   *observability.TimingWindow
}

func NewEngine(cfg config.Config, sessions *session.Manager, items []catalog.Item, source stimuli.Source, metrics *observability.Metrics, timing *observability.TimingWindow) *Engine {
	return &Engine{
		cfg:      cfg,
		sessions: sessions,
		items:    items,
		source:   source,
		metrics:  metrics,
		timing:   timing,
	}
}

// NewRuntime validates the participant and allocates the per-session state
// that must exist before any websocket connects.
func (e *Engine) NewRuntime(participantID string) (*session.Runtime, error) {
	if _, err := order.NewSessionConfig(participantID, e.cfg.Voices()); err != nil {
		return nil, err
	}
	return &session.Runtime{Assembler: results.NewAssembler(participantID)}, nil
}

// Seed reports the deterministic seed a participant id maps to.
func (e *Engine) Seed(participantID string) int64 {
	return order.SeedFromParticipant(participantID)
}

// TotalTrials is the plan length: every item once per attempt.
func (e *Engine) TotalTrials() int {
	return order.Attempts * len(e.items)
}

// RunConnection drives one session over one websocket. It returns when the
// session reaches a terminal state or the connection goes away (inbound
// closed). The caller owns both channels.
func (e *Engine) RunConnection(ctx context.Context, sess *session.Session, inbound <-chan any, outbound chan<- any) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	feed := newMicFeed(256)
	view := &wsView{
		ctx:       runCtx,
		sessionID: sess.ID,
		outbound:  outbound,
		total:     e.TotalTrials(),
		metrics:   e.metrics,
		openedAt:  time.Now(),
	}
	collector := &trialCollector{
		assembler: sess.Run.Assembler,
		view:      view,
		window:    e.cfg.CaptureWindow,
		metrics:   e.metrics,
		timing:    e.timing,
	}

	seq := sequencer.New(sequencer.Config{
		ParticipantID: sess.ParticipantID,
		Voices:        e.cfg.Voices(),
		Items:         e.items,
		CaptureWindow: e.cfg.CaptureWindow,
		ITI:           e.cfg.ITI,
	}, stimuli.NewCache(e.source), capture.NewRecorder(feed), view, view, collector)
	view.seq = seq
	sess.Run.Sequencer = seq
	sess.Run.Cancel = cancel

	done := make(chan error, 1)
	go func() { done <- seq.Run(runCtx) }()

	var runErr error
	var finished bool
	for !finished {
		select {
		case runErr = <-done:
			finished = true
		case msg, ok := <-inbound:
			if !ok {
				// Connection gone. A session cannot outlive its websocket:
				// the mic feed is the capture source.
				cancel()
				feed.CloseFrames()
				runErr = <-done
				finished = true
				break
			}
			e.handleClientMessage(sess.ID, seq, feed, msg)
		}
	}

	if runErr == nil {
		return e.finishComplete(sess, view)
	}
	return e.finishFailed(sess, view, runErr)
}

func (e *Engine) handleClientMessage(sessionID string, seq *sequencer.Sequencer, feed *micFeed, msg any) {
	_ = e.sessions.Touch(sessionID)
	switch m := msg.(type) {
	case protocol.ClientStart:
		e.timing.ObserveIndicator("start_signal")
		seq.Start()
	case protocol.ClientMicState:
		feed.Decide(m.Granted)
	case protocol.ClientMicChunk:
		pcm, err := base64.StdEncoding.DecodeString(m.PCM16Base64)
		if err != nil || len(pcm) == 0 {
			e.timing.ObserveIndicator("mic_chunk_rejected")
			return
		}
		if !feed.Push(capture.Frame{PCM: pcm, SampleRate: m.SampleRate}) {
			e.timing.ObserveIndicator("mic_chunk_dropped")
		}
	}
}

func (e *Engine) finishComplete(sess *session.Session, view *wsView) error {
	res, err := sess.Run.Assembler.Finalize()
	if err != nil {
		return e.finishFailed(sess, view, fmt.Errorf("finalize results: %w", err))
	}
	sess.Run.SetResult(res)
	if err := e.sessions.Complete(sess.ID); err != nil {
		log.Printf("session %s: mark complete: %v", sess.ID, err)
	}
	e.metrics.SessionEvents.WithLabelValues("completed").Inc()
	e.metrics.ActiveSessions.Set(float64(e.sessions.ActiveCount()))
	view.send(protocol.SessionComplete{
		Type:      protocol.TypeSessionDone,
		SessionID: sess.ID,
		ExportURL: fmt.Sprintf("/v1/experiment/session/%s/export", sess.ID),
	})
	return nil
}

func (e *Engine) finishFailed(sess *session.Session, view *wsView, runErr error) error {
	sess.Run.Assembler.Discard()
	code := FailureCode(runErr)
	if err := e.sessions.Fail(sess.ID, code); err != nil {
		log.Printf("session %s: mark failed: %v", sess.ID, err)
	}
	e.metrics.SessionFailures.WithLabelValues(code).Inc()
	e.metrics.ActiveSessions.Set(float64(e.sessions.ActiveCount()))
	view.send(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sess.ID,
		Code:      code,
		Detail:    runErr.Error(),
	})
	log.Printf("session %s (participant %s) failed: %s: %v", sess.ID, sess.ParticipantID, code, runErr)
	return runErr
}

// FailureCode maps a terminal session error onto the failure taxonomy.
func FailureCode(err error) string {
	var assetErr *stimuli.AssetLoadError
	var capErr *capture.Error
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return CodePermissionDenied
	case errors.As(err, &assetErr):
		return CodeAssetLoadError
	case errors.As(err, &capErr):
		return CodeCaptureError
	case errors.Is(err, order.ErrEmptyParticipant):
		return CodeConfigurationError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeSessionCancelled
	default:
		return CodeInternalError
	}
}

// wsView implements the sequencer's Presenter and Player over the outbound
// websocket channel. It never blocks the sequencer on a slow client beyond
// the connection context.
type wsView struct {
	ctx       context.Context
	sessionID string
	outbound  chan<- any
	total     int
	metrics   *observability.Metrics
	openedAt  time.Time
	seq       *sequencer.Sequencer

	preloadOnce sync.Once
}

func (v *wsView) send(msg any) {
	select {
	case <-v.ctx.Done():
	case v.outbound <- msg:
	}
}

func (v *wsView) StateChanged(st sequencer.State) {
	v.metrics.SessionEvents.WithLabelValues(string(st)).Inc()
	if st == sequencer.StateAwaitingStart {
		v.preloadOnce.Do(func() {
			v.metrics.ObservePreload(time.Since(v.openedAt))
		})
	}
	completed, total := 0, v.total
	if v.seq != nil {
		completed, total = v.seq.Progress()
	}
	v.send(protocol.SessionState{
		Type:            protocol.TypeSessionState,
		SessionID:       v.sessionID,
		State:           string(st),
		CompletedTrials: completed,
		TotalTrials:     total,
	})
}

func (v *wsView) ShowPrompt(trialIndex int) {
	v.send(protocol.ShowPrompt{
		Type:       protocol.TypeShowPrompt,
		SessionID:  v.sessionID,
		TrialIndex: trialIndex,
	})
}

func (v *wsView) ShowFixation() {
	v.send(protocol.ShowFixation{
		Type:      protocol.TypeShowFixation,
		SessionID: v.sessionID,
	})
}

func (v *wsView) ShowMessage(text string) {
	v.send(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: v.sessionID,
		Code:      "session_message",
		Detail:    text,
	})
}

func (v *wsView) Play(ctx context.Context, trialIndex int, clip stimuli.Clip) error {
	msg := protocol.PlayStimulus{
		Type:        protocol.TypePlayStimulus,
		SessionID:   v.sessionID,
		TrialIndex:  trialIndex,
		Asset:       clip.Ref.String(),
		Format:      clip.Format,
		AudioBase64: base64.StdEncoding.EncodeToString(clip.Data),
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case v.outbound <- msg:
		return nil
	}
}

// trialCollector forwards finished trials to the assembler and publishes
// progress plus timing telemetry.
type trialCollector struct {
	assembler *results.Assembler
	view      *wsView
	window    time.Duration
	metrics   *observability.Metrics
	timing    *observability.TimingWindow
}

func (c *trialCollector) Collect(rec sequencer.TrialRecord, blob capture.Blob) error {
	if err := c.assembler.Collect(rec, blob); err != nil {
		return err
	}
	realized := time.Duration(rec.CaptureEndMS-rec.CaptureStartMS) * time.Millisecond
	c.metrics.TrialsCompleted.Inc()
	c.metrics.ObserveCaptureJitter(realized, c.window)
	c.timing.Observe("capture_window", float64(rec.CaptureEndMS-rec.CaptureStartMS))
	c.timing.Observe("onset_to_capture", float64(rec.CaptureStartMS-rec.PlaybackOnsetMS))
	c.timing.Observe("inter_trial_interval", float64(rec.ITIMS))
	c.view.send(protocol.TrialCompleted{
		Type:       protocol.TypeTrialCompleted,
		SessionID:  c.view.sessionID,
		TrialIndex: rec.Index,
		Total:      c.view.total,
	})
	return nil
}
