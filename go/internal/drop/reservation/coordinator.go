// Package reservation orchestrates the purchase attempt for a drop:
// pre-flight validation, a single-flight guard, and classification of the
// outcome. It reads allocation state but never writes it.
package reservation

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/studiosivad/dropengine/go/clients/storefront"
	"github.com/studiosivad/dropengine/go/internal/drop/engine"
	"github.com/studiosivad/dropengine/go/internal/drop/events"
	"github.com/studiosivad/dropengine/go/internal/models"
)

// CartClient is the external cart/checkout collaborator.
type CartClient interface {
	AddToCart(ctx context.Context, variantID, size string) (*storefront.LineItem, error)
}

// SelectionSource is what the coordinator needs from the selection state.
type SelectionSource interface {
	IsComplete() bool
	Snapshot() models.Selection
}

// AllocationState is what the coordinator reads from the sync engine.
type AllocationState interface {
	State() engine.State
}

// Coordinator runs reservation attempts for one drop context. Exactly one
// request is in flight at a time; a second concurrent attempt fails fast
// with ErrAlreadyInFlight instead of racing.
type Coordinator struct {
	productID  string
	cart       CartClient
	sel        SelectionSource
	allocation AllocationState
	timeout    time.Duration
	clock      clockwork.Clock

	inFlight atomic.Bool
	disabled atomic.Bool

	onReserved func(events.ReservationCompletedPayload)
}

// NewCoordinator creates a coordinator for one drop.
func NewCoordinator(productID string, cart CartClient, sel SelectionSource, allocation AllocationState, timeout time.Duration, clock clockwork.Clock) *Coordinator {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Coordinator{
		productID:  productID,
		cart:       cart,
		sel:        sel,
		allocation: allocation,
		timeout:    timeout,
		clock:      clock,
	}
}

// OnReserved registers the reservation-completed notification, consumed by
// analytics and reporting collaborators.
func (c *Coordinator) OnReserved(fn func(events.ReservationCompletedPayload)) {
	c.onReserved = fn
}

// Disable permanently blocks reservation for this drop. Called by the
// countdown scheduler on expiry; there is no way back.
func (c *Coordinator) Disable() {
	c.disabled.Store(true)
}

// AttemptReserve validates preconditions in order, short-circuiting on the
// first failure, then delegates to the cart collaborator with the selected
// variant and size. Failures are classified but never retried here: purchase
// actions must not be silently repeated.
func (c *Coordinator) AttemptReserve(ctx context.Context) (*storefront.LineItem, error) {
	if c.disabled.Load() || c.allocation.State() == engine.StateEnded {
		return nil, ErrDropEnded
	}
	if !c.sel.IsComplete() {
		return nil, ErrIncompleteSelection
	}
	if !c.inFlight.CompareAndSwap(false, true) {
		return nil, ErrAlreadyInFlight
	}
	defer c.inFlight.Store(false)

	sel := c.sel.Snapshot()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	item, err := c.cart.AddToCart(reqCtx, sel.EditionVariantID, sel.Size)
	if err != nil {
		return nil, c.classify(err, sel)
	}

	log.Info().
		Str("product_id", c.productID).
		Str("variant_id", sel.EditionVariantID).
		Str("size", sel.Size).
		Msg("reservation confirmed")

	if c.onReserved != nil {
		c.onReserved(events.ReservationCompletedPayload{
			ProductID: c.productID,
			VariantID: sel.EditionVariantID,
			Size:      sel.Size,
			Timestamp: c.clock.Now(),
		})
	}
	return item, nil
}

func (c *Coordinator) classify(err error, sel models.Selection) error {
	var rejected *storefront.CartRejectedError
	if errors.As(err, &rejected) {
		log.Warn().
			Str("product_id", c.productID).
			Str("variant_id", sel.EditionVariantID).
			Str("message", rejected.Message).
			Msg("reservation rejected by storefront")
		return &ServerRejectedError{Message: rejected.Message}
	}

	log.Warn().
		Err(err).
		Str("product_id", c.productID).
		Str("variant_id", sel.EditionVariantID).
		Msg("reservation transport failure")
	return &NetworkError{Err: err}
}
