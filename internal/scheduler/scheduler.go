// Package scheduler runs recurring jobs on a cron schedule and ad-hoc
// tasks from a Redis queue. Recurring jobs take a short Redis lease
// before running so only one instance executes each tick.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/pingpay/pingpay/internal/metrics"
)

// Job is one recurring unit of work.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron       *cron.Cron
	rdb        redis.UniversalClient
	metrics    *metrics.Metrics
	log        *logrus.Entry
	instanceID string
}

// New builds a scheduler. instanceID identifies this process in lease
// values; pass the hostname.
func New(rdb redis.UniversalClient, m *metrics.Metrics, log *logrus.Entry, instanceID string) *Scheduler {
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	return &Scheduler{
		cron:       cron.New(),
		rdb:        rdb,
		metrics:    m,
		log:        log,
		instanceID: instanceID,
	}
}

// Register schedules a recurring job.
func (s *Scheduler) Register(job Job) error {
	if job.Timeout <= 0 {
		job.Timeout = time.Minute
	}
	_, err := s.cron.AddFunc(job.Spec, func() { s.runOnce(job) })
	if err != nil {
		return fmt.Errorf("scheduler: register %s: %w", job.Name, err)
	}
	return nil
}

// Start launches the cron runner.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.WithField("instance", s.instanceID).Info("scheduler started")
}

// Stop halts scheduling and waits for running jobs.
func (s *Scheduler) Stop(ctx context.Context) {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out")
	}
}

func leaseKey(name string) string { return "job:lease:" + name }

// releaseScript deletes the lease only if this instance still holds it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

func (s *Scheduler) runOnce(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), job.Timeout)
	defer cancel()

	ok, err := s.rdb.SetNX(ctx, leaseKey(job.Name), s.instanceID, job.Timeout).Result()
	if err != nil {
		s.log.WithError(err).WithField("job", job.Name).Error("lease acquisition failed")
		s.metrics.JobRunsTotal.WithLabelValues(job.Name, "error").Inc()
		return
	}
	if !ok {
		// Another instance won this tick.
		return
	}
	defer func() {
		_, _ = releaseScript.Run(context.Background(), s.rdb, []string{leaseKey(job.Name)}, s.instanceID).Result()
	}()

	start := time.Now()
	err = job.Run(ctx)
	s.metrics.JobDurationSeconds.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())

	if err != nil {
		s.metrics.JobRunsTotal.WithLabelValues(job.Name, "error").Inc()
		s.log.WithError(err).WithField("job", job.Name).Error("job failed")
		return
	}
	s.metrics.JobRunsTotal.WithLabelValues(job.Name, "ok").Inc()
	s.log.WithFields(logrus.Fields{"job": job.Name, "took": time.Since(start).String()}).Debug("job finished")
}
