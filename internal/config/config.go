package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the experiment server.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	// Experiment timing. CaptureWindow must exceed the longest stimulus clip,
	// so playback and the response always fit inside one capture.
	CaptureWindow time.Duration
	ITI           time.Duration

	// Audio capture format expected from the presentation layer.
	SampleRate int

	// Stimulus assets live under AssetsDir/<voice>/<normalized word>.wav.
	AssetsDir   string
	CatalogPath string

	// The two voice conditions; VoiceA plays first for even participant ids.
	VoiceA string
	VoiceB string
}

// Voices returns the condition pair in assignment order.
func (c Config) Voices() [2]string {
	return [2]string{c.VoiceA, c.VoiceB}
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "elicit"),
		AllowAnyOrigin:           false,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		CaptureWindow:            6 * time.Second,
		ITI:                      1500 * time.Millisecond,
		SampleRate:               44100,
		AssetsDir:                envOrDefault("EXP_ASSETS_DIR", "assets"),
		CatalogPath:              stringsTrimSpace("EXP_CATALOG_PATH"),
		VoiceA:                   envOrDefault("EXP_VOICE_A", "female"),
		VoiceB:                   envOrDefault("EXP_VOICE_B", "male"),
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CaptureWindow, err = durationFromEnv("EXP_CAPTURE_WINDOW", cfg.CaptureWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.ITI, err = durationFromEnv("EXP_ITI", cfg.ITI)
	if err != nil {
		return Config{}, err
	}
	cfg.SampleRate, err = intFromEnv("EXP_SAMPLE_RATE", cfg.SampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.CaptureWindow < time.Second {
		return Config{}, fmt.Errorf("EXP_CAPTURE_WINDOW must be at least 1s")
	}
	if cfg.ITI <= 0 {
		return Config{}, fmt.Errorf("EXP_ITI must be positive")
	}
	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("EXP_SAMPLE_RATE must be positive")
	}
	if strings.TrimSpace(cfg.VoiceA) == "" || strings.TrimSpace(cfg.VoiceB) == "" {
		return Config{}, fmt.Errorf("EXP_VOICE_A and EXP_VOICE_B must be set")
	}
	if strings.EqualFold(cfg.VoiceA, cfg.VoiceB) {
		return Config{}, fmt.Errorf("EXP_VOICE_A and EXP_VOICE_B must differ")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
