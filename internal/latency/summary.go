package latency

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mvaldez/elicit/internal/catalog"
)

// Trial is one row of an exported results CSV, reduced to what the detector
// needs.
type Trial struct {
	Participant    string
	Index          int
	Attempt        int
	Voice          string
	Word           string
	PlaybackEndMS  float64
	CaptureStartMS float64
}

// RecordingFile is the canonical per-trial WAV name inside the bundle. The
// CSV carries the participant id verbatim, so it is reduced to the same
// filename-safe form the assembler used when writing the recordings.
func (t Trial) RecordingFile() string {
	return fmt.Sprintf("%s_trial%d_%s_%s.wav", catalog.SafeID(t.Participant), t.Index, t.Voice, catalog.Normalize(t.Word))
}

// PlaybackEndRelMS converts the session-clock playback end to the recording's
// own clock (capture start = 0).
func (t Trial) PlaybackEndRelMS() float64 {
	return math.Max(0, t.PlaybackEndMS-t.CaptureStartMS)
}

// FindResultsCSV locates the single results_*.csv under root.
func FindResultsCSV(root string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(root, "results_*.csv"))
	if err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("latency: no results_*.csv under %s", root)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("latency: multiple results CSVs under %s, pass one explicitly: %v", root, matches)
	}
}

// ReadTrialsCSV parses an exported results CSV. Columns are resolved by
// header name so extra columns are harmless.
func ReadTrialsCSV(path string) ([]Trial, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("latency: open csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("latency: read csv: %w", err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("latency: %s has no trial rows", path)
	}

	col := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		col[strings.TrimSpace(strings.ToLower(name))] = i
	}
	for _, required := range []string{"trial", "voice", "word", "participant"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("latency: %s is missing column %q", path, required)
		}
	}

	field := func(row []string, name string) string {
		idx, ok := col[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	trials := make([]Trial, 0, len(rows)-1)
	for n, row := range rows[1:] {
		index, err := strconv.Atoi(field(row, "trial"))
		if err != nil {
			return nil, fmt.Errorf("latency: row %d: bad trial index: %w", n+2, err)
		}
		attempt, _ := strconv.Atoi(field(row, "attempt"))
		playbackEnd, _ := strconv.ParseFloat(field(row, "playback_end_ms"), 64)
		captureStart, _ := strconv.ParseFloat(field(row, "capture_start_ms"), 64)
		trials = append(trials, Trial{
			Participant:    field(row, "participant"),
			Index:          index,
			Attempt:        attempt,
			Voice:          field(row, "voice"),
			Word:           field(row, "word"),
			PlaybackEndMS:  playbackEnd,
			CaptureStartMS: captureStart,
		})
	}
	return trials, nil
}

// Row is one analyzed trial in the summary output.
type Row struct {
	Trial
	AudioPath string
	Status    string // ok, missing, read_error, no_speech_detected
	Note      string
	Detection
}

// AnalyzeDir runs the detector over every trial's recording under root.
// Missing or unreadable files are reported per row, never fatal: a partial
// bundle should still yield a summary for the trials it has.
func AnalyzeDir(root string, trials []Trial, cfg Config) []Row {
	rows := make([]Row, 0, len(trials))
	for _, trial := range trials {
		row := Row{Trial: trial, AudioPath: filepath.Join(root, trial.RecordingFile()), Status: "ok"}

		data, err := os.ReadFile(row.AudioPath)
		if err != nil {
			row.Status = "missing"
			row.Note = "WAV not found"
			rows = append(rows, row)
			continue
		}
		det, err := AnalyzeWAV(data, trial.PlaybackEndRelMS(), cfg)
		if err != nil {
			row.Status = "read_error"
			row.Note = err.Error()
			rows = append(rows, row)
			continue
		}
		row.Detection = det
		if !det.Found {
			row.Status = "no_speech_detected"
			row.Note = "no onset above threshold after playback end"
		}
		rows = append(rows, row)
	}
	return rows
}

var summaryHeader = []string{
	"participant", "trial", "attempt", "voice", "word", "audio_path", "status",
	"playback_end_ms_rel", "onset_ms_from_recording_start",
	"latency_ms_from_playback_end", "max_energy_db", "median_energy_db",
	"dynamic_threshold_db", "fallback_used", "note",
}

// WriteSummary emits the latency summary CSV.
func WriteSummary(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(summaryHeader); err != nil {
		return err
	}
	for _, row := range rows {
		onset, lat := "", ""
		if row.Found {
			onset = formatMS(row.OnsetMS)
			lat = formatMS(row.LatencyMS)
		}
		record := []string{
			row.Participant,
			strconv.Itoa(row.Index),
			strconv.Itoa(row.Attempt),
			row.Voice,
			row.Word,
			row.AudioPath,
			row.Status,
			formatMS(row.PlaybackEndRelMS()),
			onset,
			lat,
			formatMS(row.MaxEnergyDB),
			formatMS(row.MedianEnergyDB),
			formatMS(row.DynamicThresholdDB),
			strconv.FormatBool(row.FallbackUsed),
			row.Note,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatMS(v float64) string {
	if math.IsInf(v, -1) {
		return "-inf"
	}
	return strconv.FormatFloat(v, 'f', 3, 64)
}
