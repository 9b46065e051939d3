package queue

import (
	"context"
	"fmt"
	"log/slog"

	"avm/server/internal/config"

	"github.com/robfig/cron/v3"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, req JobRequest) (JobRequest, error)
}

// RegisterSchedules adds one cron entry per schedule. Each firing enqueues
// the schedule's run request. Nothing is registered if any spec is invalid.
func RegisterSchedules(ctx context.Context, c *cron.Cron, q Enqueuer, schedules []config.Schedule, logger *slog.Logger) ([]cron.EntryID, error) {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for i, s := range schedules {
		if _, err := parser.Parse(s.Spec); err != nil {
			return nil, fmt.Errorf("schedule[%d] %q: %w", i, s.Name, err)
		}
	}

	ids := make([]cron.EntryID, 0, len(schedules))
	for _, s := range schedules {
		s := s
		id, err := c.AddFunc(s.Spec, func() {
			req, err := q.Enqueue(ctx, JobRequest{
				Keywords:             s.Keywords,
				TargetProduct:        s.TargetProduct,
				VideoDurationSeconds: s.VideoDurationSeconds,
				Source:               "schedule:" + s.Name,
			})
			if err != nil {
				logger.Error("schedule_enqueue_failed", "schedule", s.Name, "error", err)
				return
			}
			logger.Info("schedule_enqueued", "schedule", s.Name, "request_id", req.ID)
		})
		if err != nil {
			for _, added := range ids {
				c.Remove(added)
			}
			return nil, fmt.Errorf("schedule %q: %w", s.Name, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
