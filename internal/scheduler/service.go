package scheduler

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"chronoplan/internal/domain"
	"chronoplan/internal/store"
)

// Runner executes one claimed task.
type Runner interface {
	Run(ctx context.Context, t domain.ScheduleTask) (domain.ScheduleTask, error)
}

// Submitter hands work to a bounded pool.
type Submitter interface {
	Submit(ctx context.Context, job func(ctx context.Context)) bool
	Wait()
}

type Options struct {
	TickInterval time.Duration
	BatchLimit   int
	// DefaultTimeout is the run deadline for tasks without their own timeout.
	DefaultTimeout time.Duration
	// ClaimGrace is how long past its run deadline a claim survives before
	// it is treated as abandoned.
	ClaimGrace time.Duration
}

// Service polls for due tasks on a fixed tick and dispatches them.
type Service struct {
	repo     store.TaskRepository
	runner   Runner
	pool     Submitter
	opts     Options
	instance string
	now      func() time.Time
	stop     chan struct{}
}

func NewService(repo store.TaskRepository, runner Runner, pool Submitter, opts Options) *Service {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 2 * time.Second
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 100
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.ClaimGrace <= 0 {
		opts.ClaimGrace = time.Minute
	}
	host, _ := os.Hostname()
	return &Service{
		repo:     repo,
		runner:   runner,
		pool:     pool,
		opts:     opts,
		instance: host + "/" + uuid.NewString()[:8],
		now:      func() time.Time { return time.Now().UTC() },
		stop:     make(chan struct{}),
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Start blocks until ctx is done or Stop is called, then waits for in-flight runs.
func (s *Service) Start(ctx context.Context) {
	// Claims from a previous process can never be committed.
	if n, err := s.repo.ReleaseStaleClaims(ctx, s.now()); err != nil {
		log.Error().Err(err).Msg("failed to release claims at startup")
	} else if n > 0 {
		log.Warn().Int("released", n).Msg("released claims left by a previous run")
	}

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.opts.TickInterval).Int("batch_limit", s.opts.BatchLimit).Str("instance", s.instance).
		Msg("schedule service started")

	defer s.pool.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

// Tick runs one selection pass and returns how many tasks were dispatched.
func (s *Service) Tick(ctx context.Context) int {
	now := s.now()
	if n, err := s.repo.ReleaseExpiredClaims(ctx, now, s.opts.DefaultTimeout, s.opts.ClaimGrace); err != nil {
		log.Error().Err(err).Msg("failed to release expired claims")
	} else if n > 0 {
		log.Warn().Int("released", n).Dur("claim_grace", s.opts.ClaimGrace).Msg("released expired claims")
	}

	due, err := s.repo.ListDue(ctx, now, s.opts.BatchLimit)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due tasks")
		return 0
	}

	dispatched := 0
	for _, t := range due {
		ok, err := s.repo.Claim(ctx, t.ID, s.instance, now)
		if err != nil {
			log.Error().Err(err).Str("task_id", t.ID).Msg("failed to claim task")
			continue
		}
		if !ok {
			log.Debug().Str("task_id", t.ID).Msg("task claimed elsewhere or no longer runnable")
			continue
		}
		task := t
		task.ClaimedBy = s.instance
		submitted := s.pool.Submit(ctx, func(ctx context.Context) {
			if _, err := s.runner.Run(ctx, task); err != nil {
				log.Error().Err(err).Str("task_id", task.ID).Msg("failed to commit task run")
			}
		})
		if !submitted {
			return dispatched
		}
		dispatched++
	}
	if dispatched > 0 {
		log.Debug().Int("dispatched", dispatched).Int("due", len(due)).Msg("tick dispatched tasks")
	}
	return dispatched
}
