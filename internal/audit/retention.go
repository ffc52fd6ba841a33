package audit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// StartRetention schedules the purge job to run at the given interval and
// returns the scheduler so the caller can shut it down. Calling it on a nil
// Store returns a nil scheduler and no error.
func (s *Store) StartRetention(every time.Duration) (gocron.Scheduler, error) {
	if s == nil {
		return nil, nil
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("audit: scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			n, err := s.Purge(ctx, time.Now())
			if err != nil {
				log.Printf("[audit] retention purge: %v", err)
				return
			}
			if n > 0 {
				log.Printf("[audit] retention purged %d rows", n)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: retention job: %w", err)
	}

	sched.Start()
	log.Printf("[audit] retention job running every %v", every)
	return sched, nil
}
