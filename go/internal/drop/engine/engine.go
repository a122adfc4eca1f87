// Package engine holds the canonical allocation state for a single drop.
// Two producers feed it (the realtime push channel and the poll/fallback
// path); ordering between them is decided purely by each fact's ObservedAt,
// never by arrival order.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/studiosivad/dropengine/go/internal/drop/events"
	"github.com/studiosivad/dropengine/go/internal/models"
)

// State is the engine lifecycle. Ended is terminal.
type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateSyncing       State = "SYNCING"
	StateLive          State = "LIVE"
	StateEnded         State = "ENDED"
)

var (
	// ErrStaleFact is returned when an ingested fact is strictly older than
	// the canonical one.
	ErrStaleFact = errors.New("stale allocation fact")

	// ErrEnded is returned for any ingest after the engine reached its
	// terminal state.
	ErrEnded = errors.New("drop ended")

	// ErrUnknownVariant is returned for stock updates naming a variant the
	// drop was not loaded with.
	ErrUnknownVariant = errors.New("unknown variant")
)

// Hooks are the engine's change notifications. Each is a plain data event
// for UI or analytics collaborators, not a rendering instruction. Nil hooks
// are skipped.
type Hooks struct {
	OnAllocationDelta func(events.AllocationDeltaPayload)
	OnStockThreshold  func(events.StockThresholdPayload)
	OnEnded           func()
}

// Engine reconciles allocation facts from all sources into one canonical
// view. It is the single writer of canonical allocation state for its drop.
type Engine struct {
	mu sync.RWMutex

	drop      models.Drop
	state     State
	canonical *models.AllocationFact
	variants  map[string]*models.VariantOption

	hooks Hooks
}

// New creates an engine for one drop context. The variant set is fixed for
// the lifetime of the engine; only availability and stock mutate.
func New(drop models.Drop, variants []models.VariantOption, hooks Hooks) *Engine {
	vm := make(map[string]*models.VariantOption, len(variants))
	for i := range variants {
		v := variants[i]
		vm[v.VariantID] = &v
	}
	e := &Engine{
		drop:     drop,
		state:    StateUninitialized,
		variants: vm,
		hooks:    hooks,
	}
	if drop.Status == models.DropStatusEnded {
		e.state = StateEnded
	}
	return e
}

// Start moves the engine out of Uninitialized. It is a no-op in any other
// state.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateUninitialized {
		e.state = StateSyncing
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Drop returns the drop this engine was created for, reflecting the latest
// known status.
func (e *Engine) Drop() models.Drop {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d := e.drop
	if e.state == StateEnded {
		d.Status = models.DropStatusEnded
	}
	return d
}

// Ingest applies an allocation fact. A fact strictly older than the
// canonical one is rejected with ErrStaleFact; any fact after the engine
// ended is rejected with ErrEnded. On acceptance the canonical fact is
// replaced and an allocation-delta notification is emitted.
func (e *Engine) Ingest(fact models.AllocationFact) error {
	e.mu.Lock()
	if e.state == StateEnded {
		e.mu.Unlock()
		return ErrEnded
	}
	if e.canonical != nil && fact.ObservedAt.Before(e.canonical.ObservedAt) {
		e.mu.Unlock()
		log.Debug().
			Str("product_id", e.drop.ProductID).
			Str("source", string(fact.Source)).
			Time("observed_at", fact.ObservedAt).
			Msg("rejected stale allocation fact")
		return ErrStaleFact
	}

	var prev models.AllocationFact
	if e.canonical != nil {
		prev = *e.canonical
	}
	e.canonical = &fact
	if e.state == StateUninitialized || e.state == StateSyncing {
		e.state = StateLive
	}

	delta := events.AllocationDeltaPayload{
		CurrentReservations: fact.CurrentReservations,
		AllocationTarget:    fact.AllocationTarget,
		DeltaReservations:   int(fact.CurrentReservations) - int(prev.CurrentReservations),
		Percentage:          clampedPercentage(fact),
		DeltaPercentage:     clampedPercentage(fact) - clampedPercentage(prev),
		Source:              string(fact.Source),
		ObservedAt:          fact.ObservedAt,
	}
	hook := e.hooks.OnAllocationDelta
	e.mu.Unlock()

	log.Debug().
		Str("product_id", e.drop.ProductID).
		Uint("current_reservations", fact.CurrentReservations).
		Uint("allocation_target", fact.AllocationTarget).
		Str("source", string(fact.Source)).
		Msg("accepted allocation fact")

	if hook != nil {
		hook(delta)
	}
	return nil
}

// IngestStock updates a single variant's remaining stock, independent of
// the allocation fact stream. The derived display state is recomputed from
// scratch on every update; crossing a threshold emits a notification and a
// sold-out variant becomes unselectable.
func (e *Engine) IngestStock(variantID string, available int) error {
	e.mu.Lock()
	v, ok := e.variants[variantID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownVariant, variantID)
	}

	prevLevel := v.StockState()
	remaining := available
	v.StockRemaining = &remaining
	v.Available = available > 0
	newLevel := v.StockState()

	var payload *events.StockThresholdPayload
	if newLevel != prevLevel {
		payload = &events.StockThresholdPayload{
			VariantID: variantID,
			Available: available,
			Level:     string(newLevel),
		}
	}
	hook := e.hooks.OnStockThreshold
	e.mu.Unlock()

	if payload != nil {
		log.Info().
			Str("product_id", e.drop.ProductID).
			Str("variant_id", variantID).
			Int("available", available).
			Str("level", string(newLevel)).
			Msg("stock threshold crossed")
		if hook != nil {
			hook(*payload)
		}
	}
	return nil
}

// End moves the engine to its terminal state. Safe to call more than once;
// the ended notification fires at most once.
func (e *Engine) End() {
	e.mu.Lock()
	if e.state == StateEnded {
		e.mu.Unlock()
		return
	}
	e.state = StateEnded
	e.drop.Status = models.DropStatusEnded
	hook := e.hooks.OnEnded
	e.mu.Unlock()

	log.Info().Str("product_id", e.drop.ProductID).Msg("drop ended")
	if hook != nil {
		hook()
	}
}

// Canonical returns the latest accepted allocation fact, if any.
func (e *Engine) Canonical() (models.AllocationFact, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.canonical == nil {
		return models.AllocationFact{}, false
	}
	return *e.canonical, true
}

// LastObservedAt returns the ObservedAt of the canonical fact, or the zero
// time when no fact has been accepted. The poller uses this to decide when
// to degrade to the fallback snapshot.
func (e *Engine) LastObservedAt() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.canonical == nil {
		return time.Time{}
	}
	return e.canonical.ObservedAt
}

// CurrentPercentage returns reservation progress clamped to [0,100] for
// display.
func (e *Engine) CurrentPercentage() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.canonical == nil {
		return 0
	}
	return clampedPercentage(*e.canonical)
}

// SoldOut reports whether the drop's allocation is exhausted. The underlying
// ratio is unclamped: concurrent reservations can push current past the
// target, and that still means sold out.
func (e *Engine) SoldOut() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.canonical == nil || e.canonical.AllocationTarget == 0 {
		return false
	}
	return e.canonical.CurrentReservations >= e.canonical.AllocationTarget
}

// Variant looks up one of the drop's variant options by ID.
func (e *Engine) Variant(variantID string) (models.VariantOption, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.variants[variantID]
	if !ok {
		return models.VariantOption{}, false
	}
	return *v, true
}

// Variants returns a snapshot of all variant options.
func (e *Engine) Variants() []models.VariantOption {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.VariantOption, 0, len(e.variants))
	for _, v := range e.variants {
		out = append(out, *v)
	}
	return out
}

func clampedPercentage(fact models.AllocationFact) float64 {
	if fact.AllocationTarget == 0 {
		return 0
	}
	pct := float64(fact.CurrentReservations) / float64(fact.AllocationTarget) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
