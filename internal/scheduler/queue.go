package scheduler

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	scheduledKey  = "tasks:scheduled"
	readyKey      = "tasks:ready"
	processingKey = "tasks:processing"

	defaultMaxAttempts = 5
	pollInterval       = time.Second
)

// Task is one ad-hoc unit of work carried through Redis.
type Task struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
}

// Handler processes one task kind.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Policy tunes retries for one task kind. Delays are the re-enqueue
// waits per failed attempt; the last entry repeats. Zero fields fall
// back to the queue defaults.
type Policy struct {
	MaxAttempts int
	Delays      []time.Duration
	Timeout     time.Duration
}

// Queue is a delayed task queue on a Redis sorted set. Due tasks move
// to a list the worker drains; failures re-enqueue with backoff until
// the attempt budget runs out.
type Queue struct {
	rdb      redis.UniversalClient
	log      *logrus.Entry
	handlers map[string]Handler
	policies map[string]Policy
	timeout  time.Duration
}

// NewQueue builds the queue. timeout bounds each handler invocation
// unless the task kind's policy overrides it.
func NewQueue(rdb redis.UniversalClient, log *logrus.Entry, timeout time.Duration) *Queue {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Queue{
		rdb:      rdb,
		log:      log,
		handlers: make(map[string]Handler),
		policies: make(map[string]Policy),
		timeout:  timeout,
	}
}

// Handle registers the handler for a task kind, optionally with a
// retry policy.
func (q *Queue) Handle(kind string, h Handler, policy ...Policy) {
	q.handlers[kind] = h
	if len(policy) > 0 {
		q.policies[kind] = policy[0]
	}
}

// Enqueue schedules a task to run after delay.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload interface{}, delay time.Duration) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	maxAttempts := q.policies[kind].MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	task := Task{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     raw,
		MaxAttempts: maxAttempts,
	}
	return task.ID, q.push(ctx, &task, delay)
}

func (q *Queue) push(ctx context.Context, task *Task, delay time.Duration) error {
	encoded, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if delay <= 0 {
		return q.rdb.LPush(ctx, readyKey, encoded).Err()
	}
	return q.rdb.ZAdd(ctx, scheduledKey, &redis.Z{
		Score:  float64(time.Now().Add(delay).Unix()),
		Member: encoded,
	}).Err()
}

// Run drains the queue until ctx is cancelled. Tasks a crashed worker
// left on the processing list are returned to the ready list first.
func (q *Queue) Run(ctx context.Context) {
	q.requeueOrphans(ctx)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.promoteDue(ctx)
			q.drainReady(ctx)
		}
	}
}

// promoteDue moves due scheduled tasks onto the ready list.
func (q *Queue) promoteDue(ctx context.Context) {
	now := time.Now().Unix()
	members, err := q.rdb.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now, 10), Count: 100,
	}).Result()
	if err != nil || len(members) == 0 {
		return
	}
	for _, m := range members {
		removed, err := q.rdb.ZRem(ctx, scheduledKey, m).Result()
		if err != nil || removed == 0 {
			// Another instance promoted it first.
			continue
		}
		if err := q.rdb.LPush(ctx, readyKey, m).Err(); err != nil {
			q.log.WithError(err).Error("could not promote task")
		}
	}
}

// requeueOrphans moves tasks parked on the processing list back to the
// ready list. Only safe before this instance starts consuming.
func (q *Queue) requeueOrphans(ctx context.Context) {
	for {
		_, err := q.rdb.LMove(ctx, processingKey, readyKey, "RIGHT", "LEFT").Result()
		if err == redis.Nil {
			return
		}
		if err != nil {
			q.log.WithError(err).Error("could not recover processing tasks")
			return
		}
	}
}

// drainReady consumes ready tasks. Each task is parked on a processing
// list while its handler runs, so a crash mid-handler loses nothing.
func (q *Queue) drainReady(ctx context.Context) {
	for {
		raw, err := q.rdb.LMove(ctx, readyKey, processingKey, "RIGHT", "LEFT").Result()
		if err == redis.Nil {
			return
		}
		if err != nil {
			q.log.WithError(err).Error("could not pop task")
			return
		}
		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			q.log.WithError(err).Error("dropping malformed task")
		} else {
			q.dispatch(ctx, &task)
		}
		if err := q.rdb.LRem(ctx, processingKey, 1, raw).Err(); err != nil {
			q.log.WithError(err).Error("could not ack task")
		}
	}
}

func (q *Queue) dispatch(ctx context.Context, task *Task) {
	handler, ok := q.handlers[task.Kind]
	if !ok {
		q.log.WithField("kind", task.Kind).Error("dropping task with no handler")
		return
	}
	policy := q.policies[task.Kind]

	timeout := q.timeout
	if policy.Timeout > 0 {
		timeout = policy.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	err := handler(runCtx, task.Payload)
	cancel()
	if err == nil {
		return
	}

	task.Attempts++
	log := q.log.WithFields(logrus.Fields{"task": task.ID, "kind": task.Kind, "attempt": task.Attempts})
	if task.Attempts >= task.MaxAttempts {
		log.WithError(err).Error("task exhausted its attempts")
		return
	}
	backoff := time.Duration(1<<uint(task.Attempts)) * time.Second
	if len(policy.Delays) > 0 {
		idx := task.Attempts - 1
		if idx >= len(policy.Delays) {
			idx = len(policy.Delays) - 1
		}
		backoff = policy.Delays[idx]
	}
	if pushErr := q.push(ctx, task, backoff); pushErr != nil {
		log.WithError(pushErr).Error("could not re-enqueue task")
		return
	}
	log.WithError(err).Warn("task failed, re-enqueued")
}
