package breakglass

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically expires overdue grants independent of request
// traffic, so grants lapse even when nobody calls decide.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper constructs a Sweeper.
func NewSweeper(service *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{service: service, interval: interval, logger: logger}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			swept, err := s.service.Sweep(ctx)
			if err != nil {
				s.logger.Error("break-glass sweep", slog.Any("error", err))
				continue
			}
			if swept > 0 {
				s.logger.Info("break-glass sweep expired grants", slog.Int("count", swept))
			}
		}
	}
}
