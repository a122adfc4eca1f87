package models

import (
	"time"
)

// DropStatus defines the lifecycle status of a drop.
// Transitions are monotonic: scheduled -> active -> ended.
type DropStatus string

const (
	DropStatusScheduled DropStatus = "scheduled"
	DropStatusActive    DropStatus = "active"
	DropStatusEnded     DropStatus = "ended"
)

// FactSource identifies which channel an allocation fact arrived on.
type FactSource string

const (
	SourcePush     FactSource = "push"
	SourcePoll     FactSource = "poll"
	SourceFallback FactSource = "fallback"
)

// Drop represents a time-boxed, limited-allocation product release.
type Drop struct {
	ProductID string     `json:"product_id"`
	Title     string     `json:"title,omitempty"`
	EndTime   time.Time  `json:"end_time"`
	Status    DropStatus `json:"status"`
}

// AllocationFact is a single observation of a drop's reservation progress.
// Facts are immutable once created and ordered by ObservedAt, never by
// arrival order.
type AllocationFact struct {
	CurrentReservations uint       `json:"current_reservations"`
	AllocationTarget    uint       `json:"allocation_target"`
	ObservedAt          time.Time  `json:"observed_at"`
	Source              FactSource `json:"source"`
}

// StockLevel is the derived display state for a variant's remaining stock.
type StockLevel string

const (
	StockSoldOut   StockLevel = "sold_out"
	StockLow       StockLevel = "low_stock"
	StockAvailable StockLevel = "available"
)

// VariantOption is a purchasable edition tier of a drop. The set of options
// is fixed per drop load; Available and StockRemaining mutate in place as
// stock updates arrive.
type VariantOption struct {
	VariantID      string  `json:"variant_id"`
	Price          string  `json:"price"`
	Size           string  `json:"size,omitempty"`
	Available      bool    `json:"available"`
	StockRemaining *int    `json:"stock_remaining,omitempty"`
}

// StockState derives the display-state enum from remaining stock. A nil
// StockRemaining means the storefront never reported a count for this
// variant; availability alone decides.
func (v VariantOption) StockState() StockLevel {
	if v.StockRemaining == nil {
		if v.Available {
			return StockAvailable
		}
		return StockSoldOut
	}
	switch remaining := *v.StockRemaining; {
	case remaining <= 0:
		return StockSoldOut
	case remaining <= 3:
		return StockLow
	default:
		return StockAvailable
	}
}

// Selection holds the user's current edition and size choice. Both fields
// must be non-empty before a reservation attempt is valid.
type Selection struct {
	EditionVariantID string `json:"edition_variant_id,omitempty"`
	Size             string `json:"size,omitempty"`
}
