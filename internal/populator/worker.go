package populator

import (
	"context"
	"log/slog"
	"time"

	"github.com/chameleon-cms/chameleon/internal/config"
)

// Worker periodically scans for static segments needing population and runs
// them through the Service.
type Worker struct {
	logger  *slog.Logger
	cfg     config.PopulatorConfig
	service *Service
}

// NewWorker creates the population worker.
func NewWorker(logger *slog.Logger, cfg config.PopulatorConfig, service *Service) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if service == nil {
		panic("populator: service cannot be nil")
	}
	if cfg.Interval < time.Second {
		cfg.Interval = time.Minute // Safe default
	}
	return &Worker{logger: logger, cfg: cfg, service: service}
}

// Run starts the worker loop. It blocks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("starting populator worker", slog.String("interval", w.cfg.Interval.String()))

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	// Run once immediately on startup
	if err := w.pass(ctx); err != nil {
		w.logger.Error("initial population pass failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("populator worker stopping...")
			return nil
		case <-ticker.C:
			if err := w.pass(ctx); err != nil {
				// Log and retry on the next tick; one bad pass must
				// not stop the worker.
				w.logger.Error("population pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// pass performs a single scan over all segments.
func (w *Worker) pass(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, w.cfg.RunTimeout)
	defer cancel()

	segments, err := w.service.segments.ListSegments(runCtx)
	if err != nil {
		return err
	}

	start := time.Now()
	populated := 0
	errorCount := 0

	for _, seg := range segments {
		if !seg.IsStatic() || seg.Frozen {
			continue
		}

		if err := w.service.PopulateSegment(runCtx, seg); err != nil {
			w.logger.Warn("failed to populate segment",
				slog.Int64("segment_id", seg.ID),
				slog.String("error", err.Error()),
			)
			errorCount++
			continue // Try the next segment, don't abort the pass
		}
		populated++
	}

	if populated > 0 || errorCount > 0 {
		w.logger.Info("population pass completed",
			slog.Int("populated", populated),
			slog.Int("errors", errorCount),
			slog.String("duration", time.Since(start).String()),
		)
	}
	return nil
}
