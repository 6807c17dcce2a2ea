// Package sweeper reclaims tasks past the retention horizon: backing
// files first, then the ledger row. Any status is eligible, including
// processing, which bounds orphans left by crashed runs.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pressmill/pdf-compress-service/config"
	"github.com/pressmill/pdf-compress-service/internal/ledger"
	"github.com/pressmill/pdf-compress-service/internal/metrics"
)

type Sweeper struct {
	cfg    *config.Config
	ledger *ledger.Ledger
	logger *zap.Logger
}

func New(cfg *config.Config, led *ledger.Ledger, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		cfg:    cfg,
		ledger: led,
		logger: logger.With(zap.String("component", "sweeper")),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("Retention sweeper started",
		zap.Int("retention_hours", s.cfg.RetentionHours),
		zap.Int("sweep_interval_min", s.cfg.SweepIntervalMin))

	// Run once immediately on startup
	s.sweep(ctx)

	ticker := time.NewTicker(time.Duration(s.cfg.SweepIntervalMin) * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Retention sweeper stopping")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep deletes every task whose updated_at precedes the retention
// cutoff. Deletion is best-effort and idempotent; a dispatcher that
// still manages to write afterward simply loses (last writer wins).
func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-time.Duration(s.cfg.RetentionHours) * time.Hour)

	stale, err := s.ledger.ListStale(ctx, cutoff)
	if err != nil {
		s.logger.Error("Error listing stale tasks", zap.Error(err))
		return
	}

	swept := 0
	for _, t := range stale {
		if err := s.ledger.Delete(ctx, t.ID); err != nil {
			s.logger.Error("Error sweeping task",
				zap.String("task_id", t.ID),
				zap.String("status", string(t.Status)),
				zap.Error(err))
			continue
		}
		swept++
		s.logger.Info("Swept stale task",
			zap.String("task_id", t.ID),
			zap.String("status", string(t.Status)),
			zap.Time("updated_at", t.UpdatedAt))
	}

	if swept > 0 {
		metrics.ObserveSwept(swept)
		s.logger.Info("Sweep finished", zap.Int("swept_count", swept))
	}
}
