package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const sweepTimeout = 5 * time.Minute

// Sweeper expires units whose expiry date has passed.
type Sweeper interface {
	ExpireDue(ctx context.Context) (int, error)
}

// Scheduler runs the expiry sweep on a cron schedule. A run that is still
// going when the next one is due causes that one to be skipped.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	spec    string
	logger  zerolog.Logger

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
}

func New(sweeper Sweeper, spec string, logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("component", "scheduler").Logger()
	cl := cronLogger{logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return &Scheduler{
		cron:    c,
		sweeper: sweeper,
		spec:    spec,
		logger:  logger,
	}
}

// Start registers the sweep and starts the cron loop. An invalid schedule
// is returned as an error and nothing is started.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.runSweep); err != nil {
		return fmt.Errorf("schedule expiry sweep %q: %w", s.spec, err)
	}
	s.logger.Info().Str("schedule", s.spec).Msg("starting scheduler")
	s.cron.Start()
	return nil
}

// Stop stops the scheduler and returns a context that is done once any
// running sweep has finished.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info().Msg("stopping scheduler")
	return s.cron.Stop()
}

// LastRun reports when the sweep last finished and its error, if any.
func (s *Scheduler) LastRun() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastErr
}

func (s *Scheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	start := time.Now()
	n, err := s.sweeper.ExpireDue(ctx)

	s.mu.Lock()
	s.lastRun, s.lastErr = time.Now(), err
	s.mu.Unlock()

	if err != nil {
		s.logger.Error().Err(err).Int("expired", n).Msg("expiry sweep failed")
		return
	}
	s.logger.Info().Int("expired", n).Dur("elapsed", time.Since(start)).Msg("expiry sweep finished")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
