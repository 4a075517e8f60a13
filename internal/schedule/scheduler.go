// Package schedule fires the daily check-in at a fixed local time.
package schedule

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Scheduler runs one callback per day at the configured HH:MM. A firing is
// skipped when the previous run has not finished yet.
type Scheduler struct {
	hour   int
	minute int

	now func() time.Time

	mu      sync.Mutex
	running bool
}

// New validates the HH:MM check-in time and returns a scheduler for it.
func New(checkinTime string) (*Scheduler, error) {
	parsed, err := time.Parse("15:04", checkinTime)
	if err != nil {
		return nil, fmt.Errorf("parse check-in time %q: %w", checkinTime, err)
	}
	return &Scheduler{
		hour:   parsed.Hour(),
		minute: parsed.Minute(),
		now:    time.Now,
	}, nil
}

// Next returns the next firing after now, in now's location.
func (s *Scheduler) Next(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), s.hour, s.minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// Run fires fn once per day until ctx is cancelled. fn runs in its own
// goroutine so a long check-in never delays the timer; an overlapping firing
// is logged and skipped instead of queued.
func (s *Scheduler) Run(ctx context.Context, fn func(context.Context)) error {
	for {
		next := s.Next(s.now())
		log.Printf("schedule: next check-in at %s", next.Format("2006-01-02 15:04"))

		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if !s.tryStart() {
			log.Printf("schedule: previous check-in still running, skipping")
			continue
		}
		go func() {
			defer s.finish()
			fn(ctx)
		}()
	}
}

func (s *Scheduler) tryStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Scheduler) finish() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}
