// Package storefront wraps the two storefront HTTP surfaces the drop engine
// depends on: the allocation-status app proxy and the cart-add transaction.
package storefront

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/studiosivad/dropengine/go/clients"
)

type StorefrontClient struct {
	*clients.BaseClient
}

func NewStorefrontClient(baseURL string) *StorefrontClient {
	client := &StorefrontClient{
		BaseClient: clients.NewBaseClient(baseURL),
	}

	client.SetHeader(RequestedWithHeader, RequestedWithValue)

	return client
}

func (c *StorefrontClient) WithTimeout(timeout time.Duration) *StorefrontClient {
	c.SetTimeout(timeout)
	return c
}

// AllocationStatus is the pull-channel response for a drop's progress.
type AllocationStatus struct {
	CurrentReservations uint `json:"current_reservations"`
	AllocationTarget    uint `json:"allocation_target"`
}

// GetAllocationStatus fetches the current allocation progress for a product.
func (c *StorefrontClient) GetAllocationStatus(ctx context.Context, productID string) (*AllocationStatus, error) {
	endpoint := fmt.Sprintf("%s?product_id=%s", AllocationStatusEndpoint, url.QueryEscape(productID))
	body, err := c.Get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to get allocation status: %w", err)
	}

	var status AllocationStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("failed to parse allocation status: %w", err)
	}
	return &status, nil
}

// LineItem is the server-confirmed cart line returned by a successful add.
type LineItem struct {
	ID         int64             `json:"id"`
	VariantID  int64             `json:"variant_id"`
	Quantity   int               `json:"quantity"`
	Title      string            `json:"title"`
	Price      int64             `json:"price"`
	Properties map[string]string `json:"properties,omitempty"`
}

// CartRejectedError means the storefront explicitly refused the cart add,
// e.g. the variant sold out mid-flight. Message is surfaced verbatim.
type CartRejectedError struct {
	StatusCode int
	Message    string
}

func (e *CartRejectedError) Error() string {
	return fmt.Sprintf("cart add rejected (%d): %s", e.StatusCode, e.Message)
}

// AddToCart posts the selected variant and size to the cart-add transaction.
// An explicit refusal is returned as *CartRejectedError; transport failures
// come back as plain errors for the caller to classify.
func (c *StorefrontClient) AddToCart(ctx context.Context, variantID, size string) (*LineItem, error) {
	form := url.Values{}
	form.Set("id", variantID)
	form.Set("quantity", "1")
	if size != "" {
		form.Set("properties[Size]", size)
	}

	req := strings.NewReader(form.Encode())
	body, err := c.Post(ctx, CartAddEndpoint, "application/x-www-form-urlencoded", req)
	if err != nil {
		var statusErr *clients.StatusError
		if errors.As(err, &statusErr) {
			return nil, &CartRejectedError{
				StatusCode: statusErr.StatusCode,
				Message:    rejectionMessage(statusErr.Body),
			}
		}
		return nil, fmt.Errorf("failed to add to cart: %w", err)
	}

	var item LineItem
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("failed to parse cart response: %w", err)
	}
	return &item, nil
}

// SendAnalyticsEvent posts a named event to the analytics app proxy.
// Analytics is best-effort; callers log failures and move on.
func (c *StorefrontClient) SendAnalyticsEvent(ctx context.Context, event string, data interface{}) error {
	payload, err := json.Marshal(map[string]interface{}{
		"event": event,
		"data":  data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal analytics event: %w", err)
	}

	if _, err := c.Post(ctx, AnalyticsEndpoint, "application/json", bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("failed to send analytics event: %w", err)
	}
	return nil
}

func rejectionMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return "Failed to add to cart"
}
