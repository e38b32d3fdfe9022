package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adamj-ops/lending-os-sub002/internal/events/metrics"
	"github.com/adamj-ops/lending-os-sub002/internal/events/ports"
)

// SweeperConfig drives the recovery sweep.
type SweeperConfig struct {
	Interval    time.Duration
	BatchSize   int
	StaleAge    time.Duration
	Concurrency int
}

// Sweeper periodically reclaims stale processing claims and re-dispatches
// pending and retryable failed events. Deployments without a long-lived
// process can call Sweep from an external scheduler instead of Run; both
// paths are safe to run concurrently with inline dispatch and with other
// sweeper instances, because claiming is atomic in the store.
type Sweeper struct {
	store      ports.EventStore
	dispatcher *Dispatcher
	cfg        SweeperConfig
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweeperLogger sets the structured logger.
func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = logger }
}

// WithSweeperMetrics sets the pipeline metrics.
func WithSweeperMetrics(m *metrics.Metrics) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

// NewSweeper creates a recovery sweeper.
func NewSweeper(store ports.EventStore, dispatcher *Dispatcher, cfg SweeperConfig, opts ...SweeperOption) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("event store is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.StaleAge <= 0 {
		cfg.StaleAge = 5 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	s := &Sweeper{
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.ErrorContext(ctx, "recovery sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs one recovery pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	reclaimed, err := s.store.ReclaimStale(ctx, time.Now().Add(-s.cfg.StaleAge))
	if err != nil {
		return fmt.Errorf("reclaim stale events: %w", err)
	}
	if reclaimed > 0 {
		s.logger.InfoContext(ctx, "reclaimed stale processing events", "count", reclaimed)
		if s.metrics != nil {
			s.metrics.SweepReclaimed.Add(float64(reclaimed))
		}
	}

	events, err := s.store.ListDispatchable(ctx, s.dispatcher.MaxRetries(), s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list dispatchable events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, event := range events {
		event := event
		g.Go(func() error {
			if err := s.dispatcher.Dispatch(gctx, event); err != nil {
				s.logger.WarnContext(gctx, "sweep dispatch failed",
					"event_id", event.ID.String(), "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}
