// Package selection tracks the user's current edition and size choice for a
// drop and validates it before a reservation attempt.
package selection

import (
	"errors"
	"fmt"
	"sync"

	"github.com/studiosivad/dropengine/go/internal/models"
)

// ErrInvalidSelection is returned when the user picks an edition that is not
// selectable (unknown or sold out). The user corrects and retries; this is
// never a system failure.
var ErrInvalidSelection = errors.New("invalid selection")

// VariantLookup defines what the selection state needs from the allocation
// engine: current availability for a variant, re-checked at call time.
type VariantLookup interface {
	Variant(variantID string) (models.VariantOption, bool)
}

// State holds the current selection. It owns the Selection exclusively and
// mutates it only on explicit user action; it never touches allocation
// state.
type State struct {
	variants VariantLookup

	mu       sync.RWMutex
	selected models.Selection
}

// NewState creates an empty selection validated against the given variant
// set.
func NewState(variants VariantLookup) *State {
	return &State{variants: variants}
}

// SelectEdition records the user's edition choice. Selecting an edition that
// is unknown or no longer available fails with ErrInvalidSelection.
func (s *State) SelectEdition(variantID string) error {
	v, ok := s.variants.Variant(variantID)
	if !ok {
		return fmt.Errorf("%w: unknown edition %s", ErrInvalidSelection, variantID)
	}
	if !v.Available {
		return fmt.Errorf("%w: edition %s is sold out", ErrInvalidSelection, variantID)
	}

	s.mu.Lock()
	s.selected.EditionVariantID = variantID
	s.mu.Unlock()
	return nil
}

// SelectSize records the user's size choice.
func (s *State) SelectSize(size string) error {
	if size == "" {
		return fmt.Errorf("%w: empty size", ErrInvalidSelection)
	}

	s.mu.Lock()
	s.selected.Size = size
	s.mu.Unlock()
	return nil
}

// IsComplete reports whether both edition and size are chosen and the chosen
// edition is still available. Availability is re-validated on every call,
// never cached, since stock can sell out between selection and purchase.
func (s *State) IsComplete() bool {
	s.mu.RLock()
	sel := s.selected
	s.mu.RUnlock()

	if sel.EditionVariantID == "" || sel.Size == "" {
		return false
	}
	v, ok := s.variants.Variant(sel.EditionVariantID)
	return ok && v.Available
}

// Snapshot returns a copy of the current selection.
func (s *State) Snapshot() models.Selection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}
