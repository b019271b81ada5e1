// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/kairosforge/pkg/session"
	"github.com/jllopis/kairosforge/pkg/telemetry"
)

// SessionSweeper periodically removes sessions idle for longer than a
// retention period.
type SessionSweeper struct {
	expirer   session.Expirer
	interval  time.Duration
	retention time.Duration
	timeout   time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSessionSweeper creates a sweeper. It does nothing until Start.
func NewSessionSweeper(expirer session.Expirer, interval, retention, timeout time.Duration, logger *slog.Logger) *SessionSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionSweeper{
		expirer:   expirer,
		interval:  interval,
		retention: retention,
		timeout:   timeout,
		logger:    logger,
	}
}

// Start launches the sweep loop. A non-positive interval or retention
// disables it.
func (s *SessionSweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interval <= 0 || s.retention <= 0 || s.expirer == nil {
		s.logger.Info("runtime.session.sweeper.disabled",
			slog.Duration("interval", s.interval),
			slog.Duration("retention", s.retention),
		)
		return
	}
	if s.cancel != nil {
		return
	}
	initSweepMetrics()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		s.logger.Info("runtime.session.sweeper.start",
			slog.Duration("interval", s.interval),
			slog.Duration("retention", s.retention),
		)
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("runtime.session.sweeper.stop")
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop ends the sweep loop and waits for an in-flight sweep.
func (s *SessionSweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}

// Sweep runs one expiry pass and returns the number of removed sessions.
func (s *SessionSweeper) Sweep(ctx context.Context) int {
	start := time.Now()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	store := fmt.Sprintf("%T", s.expirer)
	ctx, span := otel.Tracer(telemetry.InstrumentationName).Start(ctx, "runtime.session.sweep",
		trace.WithAttributes(
			attribute.String("store", store),
			attribute.String("retention", s.retention.String()),
		),
	)
	defer span.End()

	initSweepMetrics()
	attrs := metric.WithAttributes(attribute.String("store", store))
	expired, err := s.expirer.ExpireIdle(ctx, start.Add(-s.retention))
	durationMs := float64(time.Since(start).Microseconds()) / 1000
	sweepCounter.Add(ctx, 1, attrs)
	sweepLatencyMs.Record(ctx, durationMs, attrs)
	if err != nil {
		sweepErrorCounter.Add(ctx, 1, attrs)
		span.RecordError(err)
		s.logger.WarnContext(ctx, "runtime.session.sweep.error",
			slog.String("store", store),
			slog.Float64("duration_ms", durationMs),
			slog.String("error", err.Error()),
		)
		return 0
	}
	if expired > 0 {
		expiredCounter.Add(ctx, int64(expired), attrs)
	}
	span.SetAttributes(attribute.Int("expired", expired))
	s.logger.InfoContext(ctx, "runtime.session.sweep.complete",
		slog.String("store", store),
		slog.Int("expired", expired),
		slog.Float64("duration_ms", durationMs),
	)
	return expired
}

var (
	sweepMetricsOnce  sync.Once
	sweepCounter      metric.Int64Counter
	sweepErrorCounter metric.Int64Counter
	expiredCounter    metric.Int64Counter
	sweepLatencyMs    metric.Float64Histogram
)

func initSweepMetrics() {
	sweepMetricsOnce.Do(func() {
		meter := otel.Meter(telemetry.InstrumentationName)
		sweepCounter, _ = meter.Int64Counter("forge.session.sweep.count")
		sweepErrorCounter, _ = meter.Int64Counter("forge.session.sweep.error.count")
		expiredCounter, _ = meter.Int64Counter("forge.session.expired.count")
		sweepLatencyMs, _ = meter.Float64Histogram("forge.session.sweep.latency_ms")
	})
}
