package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zapboard/session-server/internal/authstore"
	"github.com/zapboard/session-server/internal/repository"
)

// Sweeper is the rate limiter's window purge, run on the same cadence as
// the database retention pass.
type Sweeper interface {
	Sweep() int
}

// CleanupJob periodically purges sessions disconnected for longer than the
// retention window, together with their auth storage, and sweeps expired
// rate-limit windows.
type CleanupJob struct {
	sessionRepo repository.SessionRepository
	auth        authstore.Store
	sweeper     Sweeper
	retention   time.Duration
	interval    time.Duration
	done        chan struct{}
}

func NewCleanupJob(
	sessionRepo repository.SessionRepository,
	auth authstore.Store,
	sweeper Sweeper,
	retention time.Duration,
	interval time.Duration,
) *CleanupJob {
	return &CleanupJob{
		sessionRepo: sessionRepo,
		auth:        auth,
		sweeper:     sweeper,
		retention:   retention,
		interval:    interval,
		done:        make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
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
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	j.purgeStaleSessions(ctx)

	if swept := j.sweeper.Sweep(); swept > 0 {
		log.Info().Int("count", swept).Msg("purged expired rate-limit windows")
	}
}

func (j *CleanupJob) purgeStaleSessions(ctx context.Context) {
	cutoff := time.Now().Add(-j.retention)
	ids, err := j.sessionRepo.DeleteDisconnectedBefore(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("failed to purge stale sessions")
		return
	}

	for _, id := range ids {
		if err := j.auth.Delete(id); err != nil {
			log.Error().Err(err).Str("sessionId", id).Msg("failed to delete auth storage")
		}
	}

	if len(ids) > 0 {
		log.Info().Int("count", len(ids)).Msg("purged stale sessions")
	}
}
