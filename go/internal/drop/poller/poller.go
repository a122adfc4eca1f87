// Package poller is the pull half of allocation sync: a periodic poll of
// the allocation-status endpoint, degrading silently to the page-embedded
// fallback snapshot when the network path fails or goes stale.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/studiosivad/dropengine/go/clients/storefront"
	"github.com/studiosivad/dropengine/go/internal/models"
)

// AllocationAPI is the pull-channel collaborator.
type AllocationAPI interface {
	GetAllocationStatus(ctx context.Context, productID string) (*storefront.AllocationStatus, error)
}

// SnapshotProvider reads the last-known allocation snapshot embedded in the
// page at render time. Synchronous, no network, lower trust.
type SnapshotProvider interface {
	Snapshot() (status storefront.AllocationStatus, capturedAt time.Time, ok bool)
}

// Config holds the poll cadence and degrade thresholds.
type Config struct {
	Interval        time.Duration
	RequestTimeout  time.Duration
	StalenessWindow time.Duration
}

// DefaultConfig matches the storefront client's 30-second poll.
func DefaultConfig() Config {
	return Config{
		Interval:        30 * time.Second,
		RequestTimeout:  10 * time.Second,
		StalenessWindow: 90 * time.Second,
	}
}

// Poller polls allocation status for one drop and emits facts. Emitted
// facts carry their observation time; ordering against push facts is the
// sync engine's job, not the poller's.
type Poller struct {
	productID string
	api       AllocationAPI
	snapshot  SnapshotProvider
	clock     clockwork.Clock
	config    Config

	// lastObserved reports the canonical fact's observation time so the
	// poller can tell when the whole sync path has gone stale.
	lastObserved func() time.Time
	emit         func(models.AllocationFact)

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPoller creates a poller for one drop context.
func NewPoller(productID string, api AllocationAPI, snapshot SnapshotProvider, clock clockwork.Clock, cfg Config, lastObserved func() time.Time, emit func(models.AllocationFact)) *Poller {
	if cfg.Interval <= 0 {
		cfg = DefaultConfig()
	}
	return &Poller{
		productID:    productID,
		api:          api,
		snapshot:     snapshot,
		clock:        clock,
		config:       cfg,
		lastObserved: lastObserved,
		emit:         emit,
		stopChan:     make(chan struct{}),
	}
}

// Start begins polling. The first poll happens immediately rather than one
// interval in.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("poller already running")
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(ctx)

	log.Info().
		Str("product_id", p.productID).
		Dur("interval", p.config.Interval).
		Msg("allocation poller started")
	return nil
}

// Stop halts polling and waits for any in-flight poll to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()
	log.Info().Str("product_id", p.productID).Msg("allocation poller stopped")
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := p.clock.NewTicker(p.config.Interval)
	defer ticker.Stop()

	// Poll immediately on start.
	p.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-ticker.Chan():
			p.poll(ctx)
		}
	}
}

// poll fetches allocation status once. Transport failure degrades to the
// fallback snapshot silently; poll failures never propagate to callers.
func (p *Poller) poll(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
	defer cancel()

	status, err := p.api.GetAllocationStatus(reqCtx, p.productID)
	if err != nil {
		log.Warn().
			Err(err).
			Str("product_id", p.productID).
			Msg("allocation poll failed, trying fallback snapshot")
		p.degradeToFallback()
		return
	}

	p.emit(models.AllocationFact{
		CurrentReservations: status.CurrentReservations,
		AllocationTarget:    status.AllocationTarget,
		ObservedAt:          p.clock.Now(),
		Source:              models.SourcePoll,
	})
}

// degradeToFallback emits the page-embedded snapshot as a lower-trust fact.
// The snapshot keeps its capture time, so a fresher push or poll fact always
// wins under the engine's ordering rule.
func (p *Poller) degradeToFallback() {
	if p.snapshot == nil {
		return
	}
	status, capturedAt, ok := p.snapshot.Snapshot()
	if !ok {
		log.Debug().Str("product_id", p.productID).Msg("no fallback snapshot available")
		return
	}

	if last := p.lastObserved(); !last.IsZero() && p.clock.Now().Sub(last) < p.config.StalenessWindow {
		// Canonical state is still fresh enough; no need to feed the
		// engine an older snapshot.
		return
	}

	p.emit(models.AllocationFact{
		CurrentReservations: status.CurrentReservations,
		AllocationTarget:    status.AllocationTarget,
		ObservedAt:          capturedAt,
		Source:              models.SourceFallback,
	})
}
