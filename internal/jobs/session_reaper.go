// Package jobs holds the background maintenance jobs.
package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"

	"recollect/internal/database"
	"recollect/internal/services"
)

// SessionReaper abandons in_progress or paused sessions that have been idle
// past the cutoff, closing their open tangent events. A session with a live
// connection is never reaped; the idle timeout on the connection itself
// handles that path.
type SessionReaper struct {
	repos       *database.Repositories
	engine      *services.SessionEngine
	connManager *services.ConnectionManager
	scheduler   gocron.Scheduler

	interval   time.Duration
	idleCutoff time.Duration
}

// NewSessionReaper creates the reaper with its own UTC scheduler.
func NewSessionReaper(repos *database.Repositories, engine *services.SessionEngine, connManager *services.ConnectionManager, interval, idleCutoff time.Duration) (*SessionReaper, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create reaper scheduler: %w", err)
	}

	return &SessionReaper{
		repos:       repos,
		engine:      engine,
		connManager: connManager,
		scheduler:   scheduler,
		interval:    interval,
		idleCutoff:  idleCutoff,
	}, nil
}

// Start registers the reaper job and starts the scheduler.
func (r *SessionReaper) Start() error {
	_, err := r.scheduler.NewJob(
		gocron.DurationJob(r.interval),
		gocron.NewTask(r.run),
		gocron.WithName("session_reaper"),
	)
	if err != nil {
		return fmt.Errorf("failed to register session reaper job: %w", err)
	}

	r.scheduler.Start()
	log.Printf("📅 [REAPER] Session reaper started (every %v, cutoff %v)", r.interval, r.idleCutoff)
	return nil
}

// Stop shuts down the scheduler, waiting for a running pass to finish.
func (r *SessionReaper) Stop() {
	if err := r.scheduler.Shutdown(); err != nil {
		log.Printf("⚠️ [REAPER] Scheduler shutdown error: %v", err)
	}
}

func (r *SessionReaper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-r.idleCutoff)
	stale, err := r.repos.Sessions.ListStale(ctx, cutoff)
	if err != nil {
		log.Printf("❌ [REAPER] Failed to list stale sessions: %v", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	reaped := 0
	for _, session := range stale {
		if _, live := r.connManager.GetBySession(session.ID); live {
			continue
		}

		finalIndex, err := r.repos.Messages.Count(ctx, session.ID)
		if err != nil {
			log.Printf("⚠️ [REAPER] Failed to count messages for %s: %v", session.ID, err)
			finalIndex = 0
		}

		if err := r.engine.AbandonSession(ctx, session.ID, finalIndex); err != nil {
			log.Printf("❌ [REAPER] Failed to abandon session %s: %v", session.ID, err)
			continue
		}
		reaped++
	}

	if reaped > 0 {
		log.Printf("🧹 [REAPER] Abandoned %d stale session(s)", reaped)
	}
}
