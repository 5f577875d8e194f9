package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBreakGlassSweep expires overdue break-glass grants.
	TaskBreakGlassSweep = "breakglass:sweep"
)

// BreakGlassSweepPayload carries scheduling metadata.
type BreakGlassSweepPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewBreakGlassSweepTask constructs an Asynq task for the expiry sweep.
func NewBreakGlassSweepTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(BreakGlassSweepPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBreakGlassSweep, body, asynq.Queue(QueueDefault)), nil
}

// Sweeper is the part of the break-glass service the sweep job needs.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}
