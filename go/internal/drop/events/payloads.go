package events

import (
	"encoding/json"
	"time"
)

// EventType identifies a realtime message on a drop topic.
type EventType string

const (
	EventTypeAllocationUpdate EventType = "allocation_update"
	EventTypeDropStatusChange EventType = "drop_status_change"
	EventTypeStockUpdate      EventType = "stock_update"
	EventTypeSubscribe        EventType = "subscribe"
)

// Envelope is the wire framing for every realtime message: a type tag plus
// a type-specific payload. Unrecognized types are ignored, never fatal.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AllocationUpdatePayload reports the server-authoritative reservation
// progress for a drop.
type AllocationUpdatePayload struct {
	CurrentReservations uint `json:"current_reservations"`
	AllocationTarget    uint `json:"allocation_target"`
}

// DropStatusChangePayload announces a drop lifecycle transition.
type DropStatusChangePayload struct {
	Status string `json:"status"`
}

// StockUpdatePayload reports remaining stock for a single variant.
type StockUpdatePayload struct {
	VariantID string `json:"variant_id"`
	Available int    `json:"available"`
}

// SubscribeRequest is the client->server subscription message. Exactly one
// topic key is set, depending on what the client is watching.
type SubscribeRequest struct {
	Type           EventType `json:"type"`
	ProductID      string    `json:"product_id,omitempty"`
	CollaboratorID string    `json:"collaborator_id,omitempty"`
	AdminID        string    `json:"admin_id,omitempty"`
}

// TopicKey returns whichever subscription key is set, preferring the most
// specific. Empty means the subscribe request named no topic.
func (s SubscribeRequest) TopicKey() string {
	switch {
	case s.ProductID != "":
		return "product:" + s.ProductID
	case s.CollaboratorID != "":
		return "collaborator:" + s.CollaboratorID
	case s.AdminID != "":
		return "admin:" + s.AdminID
	default:
		return ""
	}
}

// CountdownTickPayload is emitted on every countdown tick with the remaining
// time broken into display units.
type CountdownTickPayload struct {
	Remaining time.Duration `json:"-"`
	Days      int           `json:"days"`
	Hours     int           `json:"hours"`
	Minutes   int           `json:"minutes"`
	Seconds   int           `json:"seconds"`
	TickedAt  time.Time     `json:"ticked_at"`
}

// AllocationDeltaPayload is the change notification emitted when the sync
// engine accepts a new allocation fact.
type AllocationDeltaPayload struct {
	CurrentReservations uint      `json:"current_reservations"`
	AllocationTarget    uint      `json:"allocation_target"`
	DeltaReservations   int       `json:"delta_reservations"`
	DeltaPercentage     float64   `json:"delta_percentage"`
	Percentage          float64   `json:"percentage"`
	Source              string    `json:"source"`
	ObservedAt          time.Time `json:"observed_at"`
}

// StockThresholdPayload is emitted when a stock update crosses a display
// threshold for a variant.
type StockThresholdPayload struct {
	VariantID string `json:"variant_id"`
	Available int    `json:"available"`
	Level     string `json:"level"`
}

// ReservationCompletedPayload is emitted after a successful reservation,
// for analytics and reporting consumers.
type ReservationCompletedPayload struct {
	ProductID string    `json:"product_id"`
	VariantID string    `json:"variant_id"`
	Size      string    `json:"size"`
	Timestamp time.Time `json:"timestamp"`
}
