package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const DefaultName = "avm:jobs"

// JobRequest is a run submission carried over Redis. The worker turns it
// into a JobConfig under its own output root.
type JobRequest struct {
	ID                   string    `json:"id"`
	Keywords             []string  `json:"keywords"`
	TargetProduct        string    `json:"target_product"`
	VideoDurationSeconds int       `json:"video_duration_seconds"`
	Source               string    `json:"source,omitempty"`
	EnqueuedAt           time.Time `json:"enqueued_at"`
}

// listClient is the part of *redis.Client the queue needs.
type listClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
}

// Handler processes one request. Returned errors are logged and the
// listener moves on to the next request.
type Handler func(ctx context.Context, req JobRequest) error

// Queue is a Redis list used as a work queue: producers LPUSH, each worker
// BRPOPs, so every request reaches exactly one worker.
type Queue struct {
	rdb         listClient
	name        string
	log         *slog.Logger
	pollTimeout time.Duration
	backoff     time.Duration
	now         func() time.Time
}

func New(rdb listClient, name string, logger *slog.Logger) *Queue {
	if name == "" {
		name = DefaultName
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		rdb:         rdb,
		name:        name,
		log:         logger.With("queue", name),
		pollTimeout: 5 * time.Second,
		backoff:     time.Second,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (q *Queue) Name() string { return q.name }

// Enqueue pushes req, filling in ID and EnqueuedAt when unset.
func (q *Queue) Enqueue(ctx context.Context, req JobRequest) (JobRequest, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = q.now()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return JobRequest{}, fmt.Errorf("marshal job request: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.name, payload).Err(); err != nil {
		return JobRequest{}, fmt.Errorf("push to %s: %w", q.name, err)
	}
	return req, nil
}

// Listen pops requests and hands them to h until ctx is done.
func (q *Queue) Listen(ctx context.Context, h Handler) error {
	q.log.Info("queue_listen")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		result, err := q.rdb.BRPop(ctx, q.pollTimeout, q.name).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.log.Error("queue_pop_failed", "error", err)
			if !sleep(ctx, q.backoff) {
				return ctx.Err()
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		var req JobRequest
		if err := json.Unmarshal([]byte(result[1]), &req); err != nil {
			q.log.Error("queue_decode_failed", "error", err)
			continue
		}
		q.log.Info("queue_received", "request_id", req.ID, "keywords", req.Keywords, "source", req.Source)
		if err := h(ctx, req); err != nil {
			q.log.Error("queue_handler_failed", "request_id", req.ID, "error", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
