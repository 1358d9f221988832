// Package results assembles the per-session deliverables: one CSV of trial
// records and one WAV per capture window. Nothing is written anywhere until
// Finalize; a failed session discards everything, so no partial bundle can
// ever be observed.
package results

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/mvaldez/elicit/internal/audio"
	"github.com/mvaldez/elicit/internal/capture"
	"github.com/mvaldez/elicit/internal/catalog"
	"github.com/mvaldez/elicit/internal/sequencer"
)

var (
	ErrFinalized = errors.New("results: already finalized")
	ErrDiscarded = errors.New("results: discarded")
	ErrEmpty     = errors.New("results: no trials collected")
)

var csvHeader = []string{
	"trial", "attempt", "voice", "word", "word_id", "list", "asset",
	"playback_onset_ms", "playback_end_ms", "capture_start_ms", "capture_end_ms", "iti_ms",
	"participant",
}

// Artifact is one named file inside the result bundle.
type Artifact struct {
	Name string
	Data []byte
}

// Result is the complete, immutable output of one finished session.
type Result struct {
	ParticipantID string
	CSVName       string
	CSV           []byte
	Recordings    []Artifact
}

// Assembler accumulates trial records and captures in trial order. It is the
// sequencer's collector; ownership of each blob transfers on Collect.
type Assembler struct {
	participant string

	mu        sync.Mutex
	records   []sequencer.TrialRecord
	blobs     []capture.Blob
	finalized bool
	discarded bool
}

func NewAssembler(participantID string) *Assembler {
	return &Assembler{participant: participantID}
}

// Collect appends one completed trial. Records must arrive in trial order;
// the sequencer is the only writer, so a gap means a logic fault upstream.
func (a *Assembler) Collect(rec sequencer.TrialRecord, blob capture.Blob) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized {
		return ErrFinalized
	}
	if a.discarded {
		return ErrDiscarded
	}
	if want := len(a.records) + 1; rec.Index != want {
		return fmt.Errorf("results: trial %d arrived, want %d", rec.Index, want)
	}
	a.records = append(a.records, rec)
	a.blobs = append(a.blobs, blob)
	return nil
}

// Len reports how many trials have been collected.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

// Discard drops everything collected so far. Used when the session fails:
// after Discard the assembler refuses further trials and can never finalize.
func (a *Assembler) Discard() {
	a.mu.Lock()
	a.records = nil
	a.blobs = nil
	a.discarded = true
	a.mu.Unlock()
}

// Finalize builds the CSV and encodes every capture as a standalone WAV.
// It can be called once.
func (a *Assembler) Finalize() (*Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.discarded {
		return nil, ErrDiscarded
	}
	if a.finalized {
		return nil, ErrFinalized
	}
	if len(a.records) == 0 {
		return nil, ErrEmpty
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("results: write header: %w", err)
	}
	for _, rec := range a.records {
		row := []string{
			strconv.Itoa(rec.Index),
			strconv.Itoa(rec.Attempt),
			rec.Voice,
			rec.Word,
			strconv.Itoa(rec.WordID),
			rec.List,
			rec.AssetRef,
			strconv.FormatInt(rec.PlaybackOnsetMS, 10),
			strconv.FormatInt(rec.PlaybackEndMS, 10),
			strconv.FormatInt(rec.CaptureStartMS, 10),
			strconv.FormatInt(rec.CaptureEndMS, 10),
			strconv.FormatInt(rec.ITIMS, 10),
			rec.ParticipantID,
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("results: write trial %d: %w", rec.Index, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("results: flush csv: %w", err)
	}

	recordings := make([]Artifact, 0, len(a.blobs))
	seen := make(map[string]struct{}, len(a.blobs))
	for i, blob := range a.blobs {
		rec := a.records[i]
		name := RecordingName(rec)
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("results: duplicate recording name %q", name)
		}
		seen[name] = struct{}{}
		wav, err := audio.EncodeWAVPCM16LE(blob.PCM, blob.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("results: encode trial %d: %w", rec.Index, err)
		}
		recordings = append(recordings, Artifact{Name: name, Data: wav})
	}

	a.finalized = true
	return &Result{
		ParticipantID: a.participant,
		CSVName:       fmt.Sprintf("results_%s.csv", catalog.SafeID(a.participant)),
		CSV:           buf.Bytes(),
		Recordings:    recordings,
	}, nil
}

// RecordingName is the canonical per-trial WAV filename, e.g.
// "999_trial1_male_sandia.wav". The word is lowercased with accents stripped
// and the participant id is reduced to its filename-safe form, so an id
// holding path separators or spaces cannot shape archive entry paths.
func RecordingName(rec sequencer.TrialRecord) string {
	return fmt.Sprintf("%s_trial%d_%s_%s.wav",
		catalog.SafeID(rec.ParticipantID), rec.Index, rec.Voice, catalog.Normalize(rec.Word))
}
