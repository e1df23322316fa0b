package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingpay/pingpay/internal/metrics"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func newRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestLeaseExcludesSecondInstance(t *testing.T) {
	rdb := newRedis(t)
	m := metrics.NewNop()

	var runs int32
	job := Job{
		Name:    "test_job",
		Spec:    "@every 1h",
		Timeout: time.Minute,
		Run: func(context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
	}

	a := New(rdb, m, testLogger(), "instance-a")
	b := New(rdb, m, testLogger(), "instance-b")

	// Instance A holds the lease while B ticks: B must skip.
	ctx := context.Background()
	ok, err := rdb.SetNX(ctx, leaseKey(job.Name), "instance-a", time.Minute).Result()
	require.NoError(t, err)
	require.True(t, ok)

	b.runOnce(job)
	assert.Equal(t, int32(0), atomic.LoadInt32(&runs))

	// A releases, then B runs.
	require.NoError(t, rdb.Del(ctx, leaseKey(job.Name)).Err())
	b.runOnce(job)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
	_ = a
}

func TestLeaseReleasedAfterRun(t *testing.T) {
	rdb := newRedis(t)
	s := New(rdb, metrics.NewNop(), testLogger(), "instance-a")

	s.runOnce(Job{Name: "quick", Spec: "@every 1h", Timeout: time.Minute, Run: func(context.Context) error { return nil }})

	exists, err := rdb.Exists(context.Background(), leaseKey("quick")).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestRegisterRejectsBadSpec(t *testing.T) {
	s := New(newRedis(t), metrics.NewNop(), testLogger(), "instance-a")
	err := s.Register(Job{Name: "bad", Spec: "not a cron spec", Run: func(context.Context) error { return nil }})
	assert.Error(t, err)
}

func TestQueueImmediateTask(t *testing.T) {
	rdb := newRedis(t)
	q := NewQueue(rdb, testLogger(), time.Second)

	var got atomic.Value
	q.Handle("greet", func(_ context.Context, payload json.RawMessage) error {
		got.Store(string(payload))
		return nil
	})

	ctx := context.Background()
	_, err := q.Enqueue(ctx, "greet", map[string]string{"name": "world"}, 0)
	require.NoError(t, err)

	q.drainReady(ctx)
	assert.JSONEq(t, `{"name":"world"}`, got.Load().(string))
}

func TestQueueDelayedTaskNotDueYet(t *testing.T) {
	rdb := newRedis(t)
	q := NewQueue(rdb, testLogger(), time.Second)

	var runs int32
	q.Handle("later", func(context.Context, json.RawMessage) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})

	ctx := context.Background()
	_, err := q.Enqueue(ctx, "later", nil, time.Hour)
	require.NoError(t, err)

	q.promoteDue(ctx)
	q.drainReady(ctx)
	assert.Equal(t, int32(0), atomic.LoadInt32(&runs))

	// Task is still parked in the scheduled set.
	n, err := rdb.ZCard(ctx, scheduledKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestQueueRetriesWithBackoff(t *testing.T) {
	rdb := newRedis(t)
	q := NewQueue(rdb, testLogger(), time.Second)

	var attempts int32
	q.Handle("flaky", func(context.Context, json.RawMessage) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("boom")
	})

	ctx := context.Background()
	_, err := q.Enqueue(ctx, "flaky", nil, 0)
	require.NoError(t, err)

	q.drainReady(ctx)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))

	// Failure re-parks the task with a delay.
	n, err := rdb.ZCard(ctx, scheduledKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestQueuePolicyDelaysFollowSchedule(t *testing.T) {
	rdb := newRedis(t)
	q := NewQueue(rdb, testLogger(), time.Second)

	q.Handle("notify", func(context.Context, json.RawMessage) error {
		return errors.New("boom")
	}, Policy{MaxAttempts: 3, Delays: []time.Duration{10 * time.Second, 30 * time.Second}})

	ctx := context.Background()
	_, err := q.Enqueue(ctx, "notify", nil, 0)
	require.NoError(t, err)

	q.drainReady(ctx)

	scored, err := rdb.ZRangeWithScores(ctx, scheduledKey, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, scored, 1)
	assert.InDelta(t, 10, scored[0].Score-float64(time.Now().Unix()), 2)

	var task Task
	require.NoError(t, json.Unmarshal([]byte(scored[0].Member.(string)), &task))
	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, 3, task.MaxAttempts, "policy budget overrides the default")

	// Later attempts keep walking the schedule; the last entry repeats.
	require.NoError(t, rdb.Del(ctx, scheduledKey).Err())
	require.NoError(t, q.push(ctx, &Task{ID: "n2", Kind: "notify", Attempts: 2, MaxAttempts: 3}, 0))
	q.drainReady(ctx)

	scored, err = rdb.ZRangeWithScores(ctx, scheduledKey, 0, -1).Result()
	require.NoError(t, err)
	assert.Empty(t, scored, "third failure exhausts the budget")
}

func TestQueuePolicyLastDelayRepeats(t *testing.T) {
	rdb := newRedis(t)
	q := NewQueue(rdb, testLogger(), time.Second)

	q.Handle("notify", func(context.Context, json.RawMessage) error {
		return errors.New("boom")
	}, Policy{MaxAttempts: 5, Delays: []time.Duration{10 * time.Second, 30 * time.Second}})

	ctx := context.Background()
	require.NoError(t, q.push(ctx, &Task{ID: "n3", Kind: "notify", Attempts: 3, MaxAttempts: 5}, 0))
	q.drainReady(ctx)

	scored, err := rdb.ZRangeWithScores(ctx, scheduledKey, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, scored, 1)
	assert.InDelta(t, 30, scored[0].Score-float64(time.Now().Unix()), 2)
}

func TestQueueParksTaskWhileHandlerRuns(t *testing.T) {
	rdb := newRedis(t)
	q := NewQueue(rdb, testLogger(), time.Second)

	ctx := context.Background()
	var during int64
	q.Handle("slow", func(context.Context, json.RawMessage) error {
		during = rdb.LLen(ctx, processingKey).Val()
		return nil
	})

	_, err := q.Enqueue(ctx, "slow", nil, 0)
	require.NoError(t, err)
	q.drainReady(ctx)

	assert.Equal(t, int64(1), during, "task stays parked until the handler returns")
	assert.Zero(t, rdb.LLen(ctx, processingKey).Val())
	assert.Zero(t, rdb.LLen(ctx, readyKey).Val())
}

func TestQueueRecoversTasksLeftProcessing(t *testing.T) {
	rdb := newRedis(t)
	q := NewQueue(rdb, testLogger(), time.Second)

	var runs int32
	q.Handle("greet", func(context.Context, json.RawMessage) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})

	// A worker died after claiming the task but before finishing it.
	encoded, err := json.Marshal(&Task{ID: "t1", Kind: "greet", MaxAttempts: defaultMaxAttempts})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, rdb.LPush(ctx, processingKey, encoded).Err())

	q.requeueOrphans(ctx)
	q.drainReady(ctx)

	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
	assert.Zero(t, rdb.LLen(ctx, processingKey).Val())
	assert.Zero(t, rdb.LLen(ctx, readyKey).Val())
}

func TestQueueDropsAfterMaxAttempts(t *testing.T) {
	rdb := newRedis(t)
	q := NewQueue(rdb, testLogger(), time.Second)

	q.Handle("doomed", func(context.Context, json.RawMessage) error {
		return errors.New("boom")
	})

	ctx := context.Background()
	task := &Task{ID: "t1", Kind: "doomed", Attempts: defaultMaxAttempts - 1, MaxAttempts: defaultMaxAttempts}
	require.NoError(t, q.push(ctx, task, 0))

	q.drainReady(ctx)

	ready, err := rdb.LLen(ctx, readyKey).Result()
	require.NoError(t, err)
	scheduled, err := rdb.ZCard(ctx, scheduledKey).Result()
	require.NoError(t, err)
	assert.Zero(t, ready)
	assert.Zero(t, scheduled)
}
