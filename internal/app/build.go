package app

import (
	"fmt"

	"github.com/mvaldez/elicit/internal/catalog"
	"github.com/mvaldez/elicit/internal/config"
	"github.com/mvaldez/elicit/internal/httpapi"
	"github.com/mvaldez/elicit/internal/observability"
	"github.com/mvaldez/elicit/internal/session"
	"github.com/mvaldez/elicit/internal/stimuli"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Engine   *Engine
	Catalog  *catalog.Catalog
	Metrics  *observability.Metrics
	Timing   *observability.TimingWindow
}

// Build wires the whole service from configuration: catalog, stimulus source,
// engine, session manager, metrics, and the HTTP API.
func Build(cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	timing := observability.NewTimingWindow(256)

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("catalog init failed: %w", err)
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		if s.Run != nil && s.Run.Cancel != nil {
			s.Run.Cancel()
		}
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	source := stimuli.NewDirSource(cfg.AssetsDir)
	engine := NewEngine(cfg, sessions, cat.Items(), source, metrics, timing)
	api := httpapi.New(cfg, sessions, engine, metrics, timing)

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Engine:   engine,
		Catalog:  cat,
		Metrics:  metrics,
		Timing:   timing,
	}, nil
}
