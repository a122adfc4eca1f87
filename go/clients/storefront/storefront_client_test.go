package storefront

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetAllocationStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, AllocationStatusEndpoint, r.URL.Path)
		assert.Equal(t, "prod-1", r.URL.Query().Get("product_id"))
		assert.Equal(t, RequestedWithValue, r.Header.Get(RequestedWithHeader))
		w.Write([]byte(`{"current_reservations": 42, "allocation_target": 100}`))
	}))
	defer server.Close()

	client := NewStorefrontClient(server.URL)
	status, err := client.GetAllocationStatus(context.Background(), "prod-1")
	require.NoError(t, err)
	assert.Equal(t, uint(42), status.CurrentReservations)
	assert.Equal(t, uint(100), status.AllocationTarget)
}

func TestGetAllocationStatusServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewStorefrontClient(server.URL)
	_, err := client.GetAllocationStatus(context.Background(), "prod-1")
	require.Error(t, err)
}

func TestGetAllocationStatusBadJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>maintenance</html>"))
	}))
	defer server.Close()

	client := NewStorefrontClient(server.URL)
	_, err := client.GetAllocationStatus(context.Background(), "prod-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestAddToCart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, CartAddEndpoint, r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "12345", r.PostForm.Get("id"))
		assert.Equal(t, "1", r.PostForm.Get("quantity"))
		assert.Equal(t, "M", r.PostForm.Get("properties[Size]"))
		w.Write([]byte(`{"id": 99, "variant_id": 12345, "quantity": 1, "properties": {"Size": "M"}}`))
	}))
	defer server.Close()

	client := NewStorefrontClient(server.URL)
	item, err := client.AddToCart(context.Background(), "12345", "M")
	require.NoError(t, err)
	assert.Equal(t, int64(12345), item.VariantID)
	assert.Equal(t, 1, item.Quantity)
	assert.Equal(t, "M", item.Properties["Size"])
}

func TestAddToCartRejectedWithMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message": "All 1 Test Drop are in carts"}`))
	}))
	defer server.Close()

	client := NewStorefrontClient(server.URL)
	_, err := client.AddToCart(context.Background(), "12345", "M")

	var rejected *CartRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, http.StatusUnprocessableEntity, rejected.StatusCode)
	assert.Equal(t, "All 1 Test Drop are in carts", rejected.Message)
}

func TestAddToCartRejectedWithoutMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	client := NewStorefrontClient(server.URL)
	_, err := client.AddToCart(context.Background(), "12345", "M")

	var rejected *CartRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "Failed to add to cart", rejected.Message)
}

func TestSendAnalyticsEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, AnalyticsEndpoint, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var payload struct {
			Event string            `json:"event"`
			Data  map[string]string `json:"data"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "reservation", payload.Event)
		assert.Equal(t, "prod-1", payload.Data["product_id"])
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewStorefrontClient(server.URL)
	err := client.SendAnalyticsEvent(context.Background(), "reservation", map[string]string{"product_id": "prod-1"})
	require.NoError(t, err)
}

func TestAddToCartTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewStorefrontClient(server.URL).WithTimeout(time.Second)
	_, err := client.AddToCart(context.Background(), "12345", "M")
	require.Error(t, err)

	var rejected *CartRejectedError
	assert.False(t, errors.As(err, &rejected), "transport failure must not look like a server rejection")
}
