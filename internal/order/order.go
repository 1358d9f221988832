package order

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mvaldez/elicit/internal/catalog"
)

// Attempts is the number of presentations of each stimulus item per session.
const Attempts = 2

var ErrEmptyParticipant = errors.New("order: participant identifier is empty")

// SessionConfig fixes everything order-related for one participant. It is
// derived once at session start and read-only afterwards.
type SessionConfig struct {
	ParticipantID string
	Seed          int64
	FirstVoice    string
	SecondVoice   string
	// LeadListA controls which catalog half the interleave starts from.
	LeadListA bool
}

// Trial is one TrialPlan entry.
type Trial struct {
	Item    catalog.Item
	Attempt int
	Voice   string
}

// Plan is the full ordered trial schedule for a session. It is built once and
// never mutated while the session runs.
type Plan struct {
	Config SessionConfig
	Trials []Trial
}

// SeedFromParticipant derives the numeric seed by concatenating the digits
// embedded in the identifier. Identifiers without digits deterministically map
// to seed 0; that is a documented edge case, not an error.
func SeedFromParticipant(id string) int64 {
	var seed int64
	seen := 0
	for _, r := range id {
		if r < '0' || r > '9' {
			continue
		}
		// 18 digits keep the concatenation well inside int64 range.
		if seen == 18 {
			break
		}
		seed = seed*10 + int64(r-'0')
		seen++
	}
	return seed
}

// NewSessionConfig resolves seed, parity-based voice assignment, and the lead
// half for a participant. voices[0] plays first for even identifiers, voices[1]
// for odd identifiers.
func NewSessionConfig(participantID string, voices [2]string) (SessionConfig, error) {
	if strings.TrimSpace(participantID) == "" {
		return SessionConfig{}, ErrEmptyParticipant
	}
	seed := SeedFromParticipant(participantID)
	even := seed%2 == 0
	cfg := SessionConfig{
		ParticipantID: participantID,
		Seed:          seed,
		LeadListA:     even,
	}
	if even {
		cfg.FirstVoice, cfg.SecondVoice = voices[0], voices[1]
	} else {
		cfg.FirstVoice, cfg.SecondVoice = voices[1], voices[0]
	}
	return cfg, nil
}

// BuildPlan produces the deterministic trial schedule: the catalog is split into
// two halves, each half is permuted independently with the seeded generator, the
// permuted halves are interleaved starting from the parity-chosen half, and the
// merged order is expanded into two attempts. Attempt 2 replays attempt 1's item
// order exactly, with the complementary voice.
func BuildPlan(cfg SessionConfig, items []catalog.Item) (*Plan, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("order: no stimulus items")
	}

	halfA, halfB := splitHalves(items)
	r := NewRand(cfg.Seed)
	r = fisherYates(r, halfA)
	fisherYates(r, halfB)

	merged := interleave(halfA, halfB, cfg.LeadListA)

	trials := make([]Trial, 0, len(merged)*Attempts)
	for _, it := range merged {
		trials = append(trials, Trial{Item: it, Attempt: 1, Voice: cfg.FirstVoice})
	}
	for _, it := range merged {
		trials = append(trials, Trial{Item: it, Attempt: 2, Voice: cfg.SecondVoice})
	}
	return &Plan{Config: cfg, Trials: trials}, nil
}

// splitHalves partitions items by list label when one is present, otherwise by
// catalog position.
func splitHalves(items []catalog.Item) ([]catalog.Item, []catalog.Item) {
	labeled := false
	for _, it := range items {
		if strings.TrimSpace(it.List) != "" {
			labeled = true
			break
		}
	}
	var a, b []catalog.Item
	if labeled {
		first := ""
		for _, it := range items {
			if first == "" {
				first = it.List
			}
			if it.List == first {
				a = append(a, it)
			} else {
				b = append(b, it)
			}
		}
		return a, b
	}
	mid := (len(items) + 1) / 2
	a = append(a, items[:mid]...)
	b = append(b, items[mid:]...)
	return a, b
}

// fisherYates permutes items in place using generator draws and returns the
// advanced generator.
func fisherYates(r Rand, items []catalog.Item) Rand {
	for i := len(items) - 1; i > 0; i-- {
		var j int
		r, j = r.Intn(i + 1)
		items[i], items[j] = items[j], items[i]
	}
	return r
}

// interleave alternates between the two permuted halves, starting from half A
// when leadA is set. When one half runs out the remainder of the other follows.
func interleave(a, b []catalog.Item, leadA bool) []catalog.Item {
	out := make([]catalog.Item, 0, len(a)+len(b))
	first, second := a, b
	if !leadA {
		first, second = b, a
	}
	for len(first) > 0 || len(second) > 0 {
		if len(first) > 0 {
			out = append(out, first[0])
			first = first[1:]
		}
		if len(second) > 0 {
			out = append(out, second[0])
			second = second[1:]
		}
	}
	return out
}
