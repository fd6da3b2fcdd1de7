package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/psicoagenda/wa-gateway/internal/config"
)

// StaleClaimFailer fails notifications whose dispatch never finished.
type StaleClaimFailer interface {
	FailStaleClaims(ctx context.Context, timeout time.Duration) (int64, error)
}

// CleanupJob periodically fails claims older than the claim timeout, so a
// process that died mid-send leaves a visible failed record behind.
type CleanupJob struct {
	claims       StaleClaimFailer
	claimTimeout time.Duration
	interval     time.Duration
	done         chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

func NewCleanupJob(claims StaleClaimFailer, claimTimeout, interval time.Duration) *CleanupJob {
	return &CleanupJob{
		claims:       claims,
		claimTimeout: claimTimeout,
		interval:     interval,
		done:         make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	j.wg.Add(1)
	go j.run()
	log.Info().Dur("interval", j.interval).Dur("claimTimeout", j.claimTimeout).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	j.stopOnce.Do(func() {
		close(j.done)
		j.wg.Wait()
		log.Info().Msg("cleanup job stopped")
	})
}

func (j *CleanupJob) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), config.JobRunTimeout)
	defer cancel()

	j.runCleanup(ctx, "stale notification claims", func(ctx context.Context) (int64, error) {
		return j.claims.FailStaleClaims(ctx, j.claimTimeout)
	})
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
