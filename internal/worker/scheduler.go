// Package worker runs the periodic subscription scans.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"vpn-subscriptions/internal/metrics"
)

// Job is one periodic scan.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs every job on its own ticker. A redis lock per job keeps two
// instances from running the same scan at once.
type Scheduler struct {
	Redis   *redis.Client
	jobs    map[string]Job
	runners []func(ctx context.Context) error
	owner   string
}

func NewScheduler(rdb *redis.Client) *Scheduler {
	return &Scheduler{
		Redis: rdb,
		jobs:  make(map[string]Job),
		owner: uuid.NewString(),
	}
}

func (s *Scheduler) Add(job Job) {
	s.jobs[job.Name] = job
}

// AddRunner registers a long-running loop started alongside the jobs.
func (s *Scheduler) AddRunner(fn func(ctx context.Context) error) {
	s.runners = append(s.runners, fn)
}

// Names lists the registered jobs.
func (s *Scheduler) Names() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start blocks until ctx is done or a runner fails.
func (s *Scheduler) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, job := range s.jobs {
		g.Go(func() error {
			s.loop(ctx, job)
			return nil
		})
	}
	for _, run := range s.runners {
		g.Go(func() error {
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	log.Info().Int("jobs", len(s.jobs)).Int("runners", len(s.runners)).Msg("Background scheduler started")
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	// Run once at start
	s.runLocked(ctx, job)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runLocked(ctx, job)
		}
	}
}

// RunOnce runs the named job now, honouring the lock.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.runLocked(ctx, job)
}

var errLocked = errors.New("job is running elsewhere")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func lockKey(name string) string {
	return "lock:job:" + name
}

func (s *Scheduler) runLocked(ctx context.Context, job Job) error {
	if s.Redis != nil {
		ttl := job.Interval
		if ttl <= 0 {
			ttl = time.Minute
		}
		acquired, err := s.Redis.SetNX(ctx, lockKey(job.Name), s.owner, ttl).Result()
		if err != nil {
			log.Error().Err(err).Str("job", job.Name).Msg("Failed to take job lock")
			return err
		}
		if !acquired {
			log.Debug().Str("job", job.Name).Msg("Job locked by another instance, skipping")
			return errLocked
		}
		defer func() {
			if err := releaseScript.Run(context.WithoutCancel(ctx), s.Redis, []string{lockKey(job.Name)}, s.owner).Err(); err != nil {
				log.Warn().Err(err).Str("job", job.Name).Msg("Failed to release job lock")
			}
		}()
	}

	start := time.Now()
	err := job.Run(ctx)
	elapsed := time.Since(start)
	metrics.Get().ScanDuration.WithLabelValues(job.Name).Observe(elapsed.Seconds())

	if err != nil {
		log.Error().Err(err).Str("job", job.Name).Dur("elapsed", elapsed).Msg("Job failed")
		return err
	}
	log.Debug().Str("job", job.Name).Dur("elapsed", elapsed).Msg("Job finished")
	return nil
}
