package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
)

// NewBreakGlassSweepHandler returns the Asynq handler for TaskBreakGlassSweep.
func NewBreakGlassSweepHandler(service Sweeper, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload BreakGlassSweepPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		expired, err := service.Sweep(ctx)
		if err != nil {
			if logger != nil {
				logger.Error("break-glass sweep failed", slog.Any("error", err))
			}
			return err
		}
		if logger != nil && expired > 0 {
			logger.Info("break-glass sweep expired grants", slog.Int("count", expired))
		}
		return nil
	}
}
