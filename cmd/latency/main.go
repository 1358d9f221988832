package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mvaldez/elicit/internal/latency"
)

type options struct {
	root    string
	csvPath string
	output  string
	det     latency.Config
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "latency: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "latency: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	cfg.det = latency.DefaultConfig()

	flag.StringVar(&cfg.root, "root", ".", "directory holding the exported bundle contents")
	flag.StringVar(&cfg.csvPath, "csv", "", "results CSV path (default: the single results_*.csv under -root)")
	flag.StringVar(&cfg.output, "output", "", "summary CSV path (default: <root>/latency_summary.csv)")
	flag.Float64Var(&cfg.det.ThresholdDB, "threshold-db", cfg.det.ThresholdDB, "speech onset threshold in dBFS")
	flag.Float64Var(&cfg.det.FrameMS, "frame-ms", cfg.det.FrameMS, "energy frame length in milliseconds")
	flag.IntVar(&cfg.det.MinFrames, "min-frames", cfg.det.MinFrames, "consecutive frames required above threshold")
	flag.Float64Var(&cfg.det.GuardMS, "guard-ms", cfg.det.GuardMS, "interval skipped after playback end in milliseconds")
	flag.Parse()

	cfg.root = strings.TrimSpace(cfg.root)
	if cfg.root == "" {
		return options{}, fmt.Errorf("root is required")
	}
	if cfg.det.FrameMS <= 0 {
		return options{}, fmt.Errorf("frame-ms must be > 0")
	}
	if cfg.det.MinFrames < 1 {
		return options{}, fmt.Errorf("min-frames must be >= 1")
	}
	if cfg.det.GuardMS < 0 {
		return options{}, fmt.Errorf("guard-ms must be >= 0")
	}
	if cfg.output == "" {
		cfg.output = filepath.Join(cfg.root, "latency_summary.csv")
	}
	return cfg, nil
}

func run(cfg options) error {
	csvPath := cfg.csvPath
	if csvPath == "" {
		found, err := latency.FindResultsCSV(cfg.root)
		if err != nil {
			return err
		}
		csvPath = found
	}

	trials, err := latency.ReadTrialsCSV(csvPath)
	if err != nil {
		return err
	}
	rows := latency.AnalyzeDir(cfg.root, trials, cfg.det)

	out, err := os.Create(cfg.output)
	if err != nil {
		return fmt.Errorf("create summary: %w", err)
	}
	defer out.Close()
	if err := latency.WriteSummary(out, rows); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}

	var detected, missing, noSpeech, readErrs int
	for _, row := range rows {
		switch row.Status {
		case "ok":
			detected++
		case "missing":
			missing++
		case "no_speech_detected":
			noSpeech++
		case "read_error":
			readErrs++
		}
	}
	fmt.Printf("analyzed %d trials from %s\n", len(rows), csvPath)
	fmt.Printf("  detected:  %d\n", detected)
	fmt.Printf("  no speech: %d\n", noSpeech)
	fmt.Printf("  missing:   %d\n", missing)
	if readErrs > 0 {
		fmt.Printf("  read errors: %d\n", readErrs)
	}
	fmt.Printf("summary written to %s\n", cfg.output)
	return nil
}
