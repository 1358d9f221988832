package sequencer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mvaldez/elicit/internal/capture"
	"github.com/mvaldez/elicit/internal/catalog"
	"github.com/mvaldez/elicit/internal/order"
	"github.com/mvaldez/elicit/internal/stimuli"
)

// State is the session lifecycle position. The sequencer owns the only mutable
// copy; everything else observes it.
type State string

const (
	StateIdle          State = "idle"
	StateAwaitingOrder State = "awaiting_order"
	StatePreloading    State = "preloading"
	StateAwaitingStart State = "awaiting_start"
	StateRunning       State = "running"
	StateComplete      State = "complete"
	StateFailed        State = "failed"
)

// TrialRecord is the immutable outcome of one trial. All time fields are
// milliseconds on the session's monotonic clock (zero = the instant the start
// signal was processed).
type TrialRecord struct {
	Index           int    `json:"trial"`
	Attempt         int    `json:"attempt"`
	Voice           string `json:"voice"`
	Word            string `json:"word"`
	Translation     string `json:"translation"`
	WordID          int    `json:"word_id"`
	List            string `json:"list"`
	AssetRef        string `json:"asset"`
	PlaybackOnsetMS int64  `json:"playback_onset_ms"`
	PlaybackEndMS   int64  `json:"playback_end_ms"`
	CaptureStartMS  int64  `json:"capture_start_ms"`
	CaptureEndMS    int64  `json:"capture_end_ms"`
	ITIMS           int64  `json:"iti_ms"`
	ParticipantID   string `json:"participant"`
}

// Presenter is the thin view. It renders what it is told and holds no logic.
type Presenter interface {
	StateChanged(state State)
	ShowPrompt(trialIndex int)
	ShowFixation()
	ShowMessage(text string)
}

// Player starts audio playback of a preloaded clip. The timestamp taken at the
// moment of invocation is the trial's playback onset.
type Player interface {
	Play(ctx context.Context, trialIndex int, clip stimuli.Clip) error
}

// Collector receives each completed trial's record and capture in trial order.
type Collector interface {
	Collect(rec TrialRecord, blob capture.Blob) error
}

// Config fixes the experiment parameters for one session.
type Config struct {
	ParticipantID string
	Voices        [2]string
	Items         []catalog.Item
	CaptureWindow time.Duration
	ITI           time.Duration
}

// Sequencer drives the session state machine and the per-trial timeline:
// display -> playback (capture starts immediately) -> capture window ->
// fixation/ITI. A single goroutine advances it; the only suspension points are
// the start signal, preload completion, capture completion, and the ITI timer.
type Sequencer struct {
	cfg       Config
	cache     *stimuli.Cache
	recorder  *capture.Recorder
	player    Player
	presenter Presenter
	collector Collector

	// Injected for tests; real time otherwise.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	state     State
	plan      *order.Plan
	completed int
	failure   error

	startCh  chan struct{}
	startOne sync.Once
}

func New(cfg Config, cache *stimuli.Cache, recorder *capture.Recorder, player Player, presenter Presenter, collector Collector) *Sequencer {
	return &Sequencer{
		cfg:       cfg,
		cache:     cache,
		recorder:  recorder,
		player:    player,
		presenter: presenter,
		collector: collector,
		now:       time.Now,
		sleep:     sleepContext,
		state:     StateIdle,
		startCh:   make(chan struct{}),
	}
}

// State returns the current session state.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failure returns the terminal error after the session entered StateFailed.
func (s *Sequencer) Failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Progress reports completed and planned trial counts.
func (s *Sequencer) Progress() (completed, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plan != nil {
		total = len(s.plan.Trials)
	}
	return s.completed, total
}

// Plan exposes the trial plan once the order has been derived.
func (s *Sequencer) Plan() *order.Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

// Start delivers the designated start signal. It only has an effect while the
// session is awaiting start; any other input is ignored. Once running, the
// only thing that advances trials is elapsed time.
func (s *Sequencer) Start() {
	s.mu.Lock()
	awaiting := s.state == StateAwaitingStart
	s.mu.Unlock()
	if !awaiting {
		return
	}
	s.startOne.Do(func() { close(s.startCh) })
}

// Run executes the whole session: derive the order, preload stimuli, acquire
// the microphone, wait for the start signal, run every trial, complete. Any
// failure is terminal; ctx cancellation fails the session.
func (s *Sequencer) Run(ctx context.Context) error {
	s.setState(StateAwaitingOrder)
	sessionCfg, err := order.NewSessionConfig(s.cfg.ParticipantID, s.cfg.Voices)
	if err != nil {
		return s.fail(fmt.Errorf("derive order: %w", err))
	}
	plan, err := order.BuildPlan(sessionCfg, s.cfg.Items)
	if err != nil {
		return s.fail(fmt.Errorf("derive order: %w", err))
	}
	s.mu.Lock()
	s.plan = plan
	s.mu.Unlock()

	s.setState(StatePreloading)
	if err := s.cache.Preload(ctx, plan); err != nil {
		return s.fail(fmt.Errorf("preload: %w", err))
	}
	if err := s.recorder.Open(ctx); err != nil {
		return s.fail(fmt.Errorf("open microphone: %w", err))
	}

	s.setState(StateAwaitingStart)
	select {
	case <-ctx.Done():
		return s.fail(fmt.Errorf("session cancelled: %w", ctx.Err()))
	case <-s.startCh:
	}

	// Time zero: the instant the start signal was processed. Duration
	// arithmetic from this anchor rides Go's monotonic clock.
	anchor := s.now()
	s.setState(StateRunning)

	for i, trial := range plan.Trials {
		if err := ctx.Err(); err != nil {
			return s.fail(fmt.Errorf("session cancelled: %w", err))
		}
		rec, blob, err := s.runTrial(ctx, anchor, i+1, trial)
		if err != nil {
			return s.fail(err)
		}
		if err := s.collector.Collect(rec, blob); err != nil {
			return s.fail(fmt.Errorf("collect trial %d: %w", rec.Index, err))
		}
		s.mu.Lock()
		s.completed = i + 1
		s.mu.Unlock()
	}

	s.setState(StateComplete)
	return nil
}

// runTrial executes one display/playback/capture/ITI cycle. Playback and
// capture run concurrently within the trial: capture starts right after the
// play command is issued, never gated on playback completion. The capture
// window is sized to exceed any stimulus clip.
func (s *Sequencer) runTrial(ctx context.Context, anchor time.Time, index int, trial order.Trial) (TrialRecord, capture.Blob, error) {
	ref := stimuli.RefForTrial(trial)
	clip, err := s.cache.Clip(ref)
	if err != nil {
		// Preload covered the whole plan, so this is a logic fault. Records
		// already handed to the collector stay intact.
		return TrialRecord{}, capture.Blob{}, fmt.Errorf("trial %d: %w", index, err)
	}

	s.presenter.ShowPrompt(index)

	playbackOnset := s.sinceMS(anchor)
	if err := s.player.Play(ctx, index, clip); err != nil {
		return TrialRecord{}, capture.Blob{}, fmt.Errorf("trial %d: start playback: %w", index, err)
	}

	captureStart := s.sinceMS(anchor)
	blob, err := s.recorder.CaptureFor(ctx, s.cfg.CaptureWindow)
	if err != nil {
		return TrialRecord{}, capture.Blob{}, fmt.Errorf("trial %d: capture: %w", index, err)
	}
	captureEnd := s.sinceMS(anchor)

	s.presenter.ShowFixation()
	if err := s.sleep(ctx, s.cfg.ITI); err != nil {
		return TrialRecord{}, capture.Blob{}, fmt.Errorf("trial %d: %w", index, err)
	}

	rec := TrialRecord{
		Index:           index,
		Attempt:         trial.Attempt,
		Voice:           trial.Voice,
		Word:            trial.Item.Word,
		Translation:     trial.Item.Translation,
		WordID:          trial.Item.ID,
		List:            trial.Item.List,
		AssetRef:        ref.String(),
		PlaybackOnsetMS: playbackOnset,
		PlaybackEndMS:   playbackOnset + clip.DurationMS,
		CaptureStartMS:  captureStart,
		CaptureEndMS:    captureEnd,
		ITIMS:           s.cfg.ITI.Milliseconds(),
		ParticipantID:   s.cfg.ParticipantID,
	}
	return rec, blob, nil
}

func (s *Sequencer) sinceMS(anchor time.Time) int64 {
	return s.now().Sub(anchor).Milliseconds()
}

func (s *Sequencer) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.presenter.StateChanged(st)
}

func (s *Sequencer) fail(err error) error {
	s.mu.Lock()
	s.state = StateFailed
	s.failure = err
	s.mu.Unlock()
	s.presenter.StateChanged(StateFailed)
	s.presenter.ShowMessage(err.Error())
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
