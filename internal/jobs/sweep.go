package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/psicoagenda/wa-gateway/internal/config"
	apperrors "github.com/psicoagenda/wa-gateway/internal/errors"
	"github.com/psicoagenda/wa-gateway/internal/redis"
	"github.com/psicoagenda/wa-gateway/internal/service"
)

type DueSweeper interface {
	SweepDue(ctx context.Context) (service.SweepResult, error)
}

// Locker takes a short-lived cross-instance lock.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error)
}

// SweepJob runs the notification sweep on a ticker and on demand. Only one
// sweep runs at a time across instances when a Locker is set.
type SweepJob struct {
	sweeper  DueSweeper
	locker   Locker
	interval time.Duration

	mu       sync.Mutex // serializes sweeps in this process
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewSweepJob(sweeper DueSweeper, locker Locker, interval time.Duration) *SweepJob {
	return &SweepJob{
		sweeper:  sweeper,
		locker:   locker,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (j *SweepJob) Start() {
	j.wg.Add(1)
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("sweep job started")
}

// Stop ends the ticker loop and waits for an in-flight batch to finish.
func (j *SweepJob) Stop() {
	j.stopOnce.Do(func() {
		close(j.done)
		j.wg.Wait()
		log.Info().Msg("sweep job stopped")
	})
}

func (j *SweepJob) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), config.JobRunTimeout)
			if _, err := j.RunOnce(ctx); err != nil && apperrors.GetCode(err) != apperrors.ErrCodeConflict {
				log.Error().Err(err).Msg("scheduled sweep failed")
			}
			cancel()
		}
	}
}

// RunOnce sweeps one batch. It returns CONFLICT when another sweep holds
// the lock. When the lock backend fails the sweep runs unlocked.
func (j *SweepJob) RunOnce(ctx context.Context) (service.SweepResult, error) {
	if !j.mu.TryLock() {
		return service.SweepResult{}, apperrors.New(apperrors.ErrCodeConflict, "sweep already running")
	}
	defer j.mu.Unlock()

	if j.locker != nil {
		unlock, ok, err := j.locker.TryLock(ctx, redis.SweepLockKey, config.SweepLockTTL)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("sweep lock unavailable, sweeping without it")
		case !ok:
			log.Debug().Msg("sweep lock held by another instance")
			return service.SweepResult{}, apperrors.New(apperrors.ErrCodeConflict, "sweep already running")
		default:
			defer unlock()
		}
	}

	return j.sweeper.SweepDue(ctx)
}
