// Package jobs runs background maintenance on a gocron scheduler.
package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"

	"jobpilot/internal/database"
)

// RetentionJob purges conversations with no activity past the retention
// window, together with their messages.
type RetentionJob struct {
	db        *database.DB
	retention time.Duration
}

func NewRetentionJob(db *database.DB, retention time.Duration) *RetentionJob {
	return &RetentionJob{db: db, retention: retention}
}

// Run deletes expired conversations. Messages go first so the run stays
// safe to interrupt and repeat.
func (j *RetentionJob) Run(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-j.retention)

	result, err := j.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id IN
		 (SELECT id FROM conversations WHERE updated_at < ?)`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to purge messages: %w", err)
	}
	purgedMessages, _ := result.RowsAffected()

	result, err = j.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE updated_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to purge conversations: %w", err)
	}
	purgedConversations, _ := result.RowsAffected()

	if purgedConversations > 0 {
		log.Printf("🧹 [RETENTION] Purged %d conversations and %d messages idle since %s",
			purgedConversations, purgedMessages, cutoff.Format(time.RFC3339))
	}
	return nil
}

// Scheduler wraps the gocron scheduler with this service's job set.
type Scheduler struct {
	scheduler gocron.Scheduler
}

// NewScheduler builds the scheduler and registers the retention job to run
// every interval.
func NewScheduler(db *database.DB, retention, interval time.Duration) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	retentionJob := NewRetentionJob(db, retention)
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := retentionJob.Run(ctx); err != nil {
				log.Printf("❌ [RETENTION] Cleanup run failed: %v", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register retention job: %w", err)
	}

	return &Scheduler{scheduler: s}, nil
}

// Start begins running registered jobs in the background.
func (s *Scheduler) Start() {
	s.scheduler.Start()
	log.Println("🚀 [SCHEDULER] Background jobs started")
}

// Stop shuts the scheduler down, waiting for running jobs.
func (s *Scheduler) Stop() {
	if err := s.scheduler.Shutdown(); err != nil {
		log.Printf("⚠️  [SCHEDULER] Shutdown error: %v", err)
	}
}
