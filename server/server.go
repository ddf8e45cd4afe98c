// Package server wires the components together and drives the main
// cooperative loop. Everything except the analytics engine and the
// worker pool runs on this one goroutine, tick by tick.
package server

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/viqsec/sentry/pkg/workpool"
	"github.com/viqsec/sentry/server/analytics"
	"github.com/viqsec/sentry/server/config"
	"github.com/viqsec/sentry/server/control"
	"github.com/viqsec/sentry/server/events"
	"github.com/viqsec/sentry/server/ingest"
	"github.com/viqsec/sentry/server/notifier"
	"github.com/viqsec/sentry/server/storage"
)

const tickInterval = 10 * time.Millisecond

type Server struct {
	Log       logs.Log
	Config    *config.Config
	Storage   *storage.Storage
	Events    *events.Manager
	Ingest    *ingest.Server
	Control   *control.Server
	Notifier  *notifier.Notifier
	Analytics *analytics.Engine

	pool *workpool.Pool
}

func NewServer(log logs.Log, cfg *config.Config) (*Server, error) {
	if err := os.MkdirAll(cfg.FootagePath, 0755); err != nil {
		return nil, fmt.Errorf("Failed to create footage path '%v': %w", cfg.FootagePath, err)
	}

	st, err := storage.Open(log, cfg.DB)
	if err != nil {
		return nil, err
	}
	// The analytics engine runs on its own goroutine, so it gets its
	// own database handle.
	analyticsStorage, err := storage.Open(log, cfg.DB)
	if err != nil {
		return nil, err
	}

	pool := workpool.NewPool(log, cfg.WorkerThreads, 256)
	notif := notifier.NewNotifier(log, cfg.NotifyHost)
	engine := analytics.NewEngine(log, analyticsStorage, pool, notif, cfg.AnalyticsHost, cfg.AnalyticsPort, cfg.AnalyticsConnectTimeout)
	ev := events.NewManager(log, st, engine, cfg.EventSessionTimeout, cfg.FootagePath)

	return &Server{
		Log:       log,
		Config:    cfg,
		Storage:   st,
		Events:    ev,
		Ingest:    ingest.NewServer(log, st, ev, pool, cfg.PassiveSocketTimeout),
		Control:   control.NewServer(log, st, ev),
		Notifier:  notif,
		Analytics: engine,
		pool:      pool,
	}, nil
}

// Run starts the listeners and spins the main loop until ctx is
// cancelled, then shuts everything down in dependency order.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Ingest.Start(s.Config.FTPPort); err != nil {
		return err
	}
	if err := s.Control.Start(s.Config.APIPort); err != nil {
		return err
	}

	// The analytics goroutine gets its own context, so that it keeps
	// running until the main loop has finished its last tick.
	analyticsCtx, stopAnalytics := context.WithCancel(context.Background())
	analyticsDone := make(chan struct{})
	go func() {
		s.Analytics.Run(analyticsCtx)
		close(analyticsDone)
	}()

	s.Log.Infof("Server running")

	for ctx.Err() == nil {
		s.Control.Tick()

		s.Ingest.TickAccept()
		s.Ingest.TickService()
		s.Ingest.TickTimeouts()
		s.Ingest.TickReap()

		s.Events.TickTimeouts()
		s.Events.TickFootageNotices()

		s.Notifier.Tick()

		select {
		case <-ctx.Done():
		case <-time.After(tickInterval):
		}
	}

	s.Log.Infof("Server shutting down")
	s.Ingest.Close()
	s.Control.Close()
	stopAnalytics()
	<-analyticsDone
	s.pool.Close()
	s.Log.Infof("Server stopped")
	return nil
}
