// Package countdown drives the per-drop countdown: one tick per second with
// remaining time recomputed from the drop's end time, and a single expiry
// transition when it reaches zero.
package countdown

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/studiosivad/dropengine/go/internal/drop/events"
	"github.com/studiosivad/dropengine/go/internal/models"
)

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) clockwork.Ticker
}

// Scheduler ticks a drop's countdown at 1-second granularity. Remaining time
// is always derived from endTime minus now, never from decrementing a
// counter, so missed or coalesced ticks never accumulate drift.
type Scheduler struct {
	clock Clock

	mu      sync.Mutex
	running bool
	expired bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler using the given clock.
func NewScheduler(clock Clock) *Scheduler {
	return &Scheduler{clock: clock}
}

// Start begins ticking for the drop. onTick fires once per second with the
// remaining time broken into display units; onExpire fires exactly once when
// remaining reaches zero, after which the scheduler stops for good. Calling
// Start while already running is a no-op, so a drop can never double-fire
// expiry.
func (s *Scheduler) Start(ctx context.Context, drop models.Drop, onTick func(events.CountdownTickPayload), onExpire func()) {
	s.mu.Lock()
	if s.running || s.expired {
		s.mu.Unlock()
		log.Debug().Str("product_id", drop.ProductID).Msg("countdown already started, ignoring")
		return
	}
	s.running = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(runCtx, drop, onTick, onExpire)

	log.Info().
		Str("product_id", drop.ProductID).
		Time("end_time", drop.EndTime).
		Msg("countdown started")
}

// Stop halts ticking without firing expiry. Safe to call at any time.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, drop models.Drop, onTick func(events.CountdownTickPayload), onExpire func()) {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(time.Second)
	defer ticker.Stop()

	// Emit the current remaining time immediately rather than waiting a
	// full second for the first tick.
	if s.fire(drop, onTick, onExpire) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if s.fire(drop, onTick, onExpire) {
				return
			}
		}
	}
}

// fire emits one tick or the expiry transition. Returns true once the
// countdown is terminal.
func (s *Scheduler) fire(drop models.Drop, onTick func(events.CountdownTickPayload), onExpire func()) bool {
	now := s.clock.Now()
	remaining := drop.EndTime.Sub(now)
	if remaining <= 0 {
		s.mu.Lock()
		if s.expired {
			s.mu.Unlock()
			return true
		}
		s.expired = true
		s.running = false
		s.mu.Unlock()

		log.Info().Str("product_id", drop.ProductID).Msg("countdown expired")
		if onExpire != nil {
			onExpire()
		}
		return true
	}

	if onTick != nil {
		onTick(timeUnits(remaining, now))
	}
	return false
}

// timeUnits breaks a remaining duration into days/hours/minutes/seconds for
// display.
func timeUnits(remaining time.Duration, now time.Time) events.CountdownTickPayload {
	secs := int(remaining / time.Second)
	return events.CountdownTickPayload{
		Remaining: remaining,
		Days:      secs / 86400,
		Hours:     (secs % 86400) / 3600,
		Minutes:   (secs % 3600) / 60,
		Seconds:   secs % 60,
		TickedAt:  now,
	}
}
