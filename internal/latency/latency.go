// Package latency measures speech onset in exported session recordings. Each
// capture contains the tail of the stimulus playback followed by the
// participant's response; the onset detector scans a moving-RMS energy curve
// for sustained activity after the playback-end estimate.
package latency

import (
	"fmt"
	"math"
	"sort"

	"github.com/mvaldez/elicit/internal/audio"
)

// Config holds the detector parameters.
type Config struct {
	// ThresholdDB is the energy level (dBFS) a frame must exceed to count as
	// speech.
	ThresholdDB float64
	// FrameMS is the moving-average window length.
	FrameMS float64
	// MinFrames is how many consecutive above-threshold samples the onset
	// needs before it is believed.
	MinFrames int
	// GuardMS is skipped after the playback-end estimate so playback decay
	// cannot trigger the detector.
	GuardMS float64
}

func DefaultConfig() Config {
	return Config{
		ThresholdDB: -40.0,
		FrameMS:     10.0,
		MinFrames:   4,
		GuardMS:     50.0,
	}
}

// Detection is the outcome for one recording.
type Detection struct {
	// OnsetMS is the speech onset relative to recording start.
	OnsetMS float64
	// LatencyMS is the onset relative to the playback-end estimate.
	LatencyMS float64
	// Found is false when no sustained energy crossed the threshold.
	Found bool

	MaxEnergyDB        float64
	MedianEnergyDB     float64
	DynamicThresholdDB float64
	FallbackUsed       bool
}

// EnergyDB computes the moving-average energy (in dB relative to full scale)
// of a normalized mono signal, "valid" convolution: the result is
// len(signal)-frameLength+1 points, each centered frameLength/2 samples in.
func EnergyDB(signal []float64, sampleRate int, frameMS float64) ([]float64, int) {
	frameLength := int(math.Round(float64(sampleRate) * frameMS / 1000.0))
	if frameLength < 1 {
		frameLength = 1
	}
	if len(signal) < frameLength {
		return nil, frameLength
	}

	// Running sum of squares keeps this linear in the signal length.
	out := make([]float64, len(signal)-frameLength+1)
	var sum float64
	for i := 0; i < frameLength; i++ {
		sum += signal[i] * signal[i]
	}
	inv := 1.0 / float64(frameLength)
	out[0] = energyToDB(sum * inv)
	for i := 1; i < len(out); i++ {
		drop := signal[i-1]
		add := signal[i+frameLength-1]
		sum += add*add - drop*drop
		out[i] = energyToDB(sum * inv)
	}
	return out, frameLength
}

func energyToDB(e float64) float64 {
	if e < 1e-12 {
		e = 1e-12
	}
	return 10.0 * math.Log10(e)
}

// DetectOnsetAfter returns the earliest time (ms from recording start) at or
// after startMS where minFrames consecutive energy points exceed thresholdDB.
func DetectOnsetAfter(energyDB []float64, sampleRate, frameLength int, startMS, thresholdDB float64, minFrames int) (float64, bool) {
	startSample := int(math.Round(startMS / 1000.0 * float64(sampleRate)))
	if startSample < 0 {
		startSample = 0
	}
	if startSample > len(energyDB) {
		startSample = len(energyDB)
	}
	if minFrames < 1 {
		minFrames = 1
	}

	region := energyDB[startSample:]
	run := 0
	for i, v := range region {
		if v <= thresholdDB {
			run = 0
			continue
		}
		run++
		if run == minFrames {
			onsetIdx := startSample + i - (minFrames - 1)
			onsetSamples := float64(onsetIdx) + float64(frameLength)/2.0
			return onsetSamples / float64(sampleRate) * 1000.0, true
		}
	}
	return 0, false
}

// AnalyzeClip runs the detector on one decoded recording.
// playbackEndRelMS is the playback-end estimate relative to recording start.
func AnalyzeClip(clip audio.Clip, playbackEndRelMS float64, cfg Config) Detection {
	signal := normalize(clip.Samples())
	energyDB, frameLength := EnergyDB(signal, clip.SampleRate, cfg.FrameMS)

	det := Detection{DynamicThresholdDB: cfg.ThresholdDB}
	if len(energyDB) == 0 {
		det.MaxEnergyDB = math.Inf(-1)
		det.MedianEnergyDB = math.Inf(-1)
		return det
	}
	det.MaxEnergyDB = maxOf(energyDB)
	det.MedianEnergyDB = medianOf(energyDB)

	startMS := playbackEndRelMS + cfg.GuardMS
	onset, found := DetectOnsetAfter(energyDB, clip.SampleRate, frameLength, startMS, cfg.ThresholdDB, cfg.MinFrames)

	// Quiet talkers: retry with a threshold adapted to the noise floor of the
	// pre-response region.
	if !found {
		preLen := int(math.Max(1, playbackEndRelMS/1000.0*float64(clip.SampleRate)))
		if preLen > len(energyDB) {
			preLen = len(energyDB)
		}
		if preLen > 0 {
			noiseDB := percentile(energyDB[:preLen], 0.75)
			dynamic := math.Max(cfg.ThresholdDB-5.0, noiseDB+6.0)
			onset, found = DetectOnsetAfter(energyDB, clip.SampleRate, frameLength, startMS, dynamic, cfg.MinFrames)
			det.DynamicThresholdDB = dynamic
			det.FallbackUsed = true
		}
	}

	if found {
		det.Found = true
		det.OnsetMS = onset
		det.LatencyMS = onset - playbackEndRelMS
	}
	return det
}

// AnalyzeWAV decodes a PCM16 WAV file body and runs the detector on it.
func AnalyzeWAV(data []byte, playbackEndRelMS float64, cfg Config) (Detection, error) {
	clip, err := audio.DecodeWAVPCM16LE(data)
	if err != nil {
		return Detection{}, fmt.Errorf("latency: decode recording: %w", err)
	}
	return AnalyzeClip(clip, playbackEndRelMS, cfg), nil
}

func normalize(samples []int16) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = float64(s) / 32768.0
	}
	return out
}

func maxOf(v []float64) float64 {
	m := math.Inf(-1)
	for _, x := range v {
		if x > m {
			m = x
		}
	}
	return m
}

func medianOf(v []float64) float64 {
	return percentile(v, 0.5)
}

func percentile(v []float64, q float64) float64 {
	if len(v) == 0 {
		return math.Inf(-1)
	}
	sorted := make([]float64, len(v))
	copy(sorted, v)
	sort.Float64s(sorted)
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
