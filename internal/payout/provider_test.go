package payout

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircleClient_Submit(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/payouts", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &gotBody))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"po-1"}}`))
	}))
	defer srv.Close()

	c := NewCircleClient(srv.URL+"/", "test-key", srv.Client())
	receipt, err := c.Submit(context.Background(), Request{
		IdempotencyKey: "key-1",
		Address:        maker,
		Chain:          "arc",
		Amount:         "1.00",
		Currency:       "USD",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"id":"po-1"}}`, string(receipt))

	assert.Equal(t, map[string]any{
		"amount":         map[string]any{"amount": "1.00", "currency": "USD"},
		"destination":    map[string]any{"type": "blockchain", "chain": "arc", "address": maker},
		"idempotencyKey": "key-1",
	}, gotBody)
}

func TestCircleClient_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":2,"message":"invalid destination"}`))
	}))
	defer srv.Close()

	_, err := NewCircleClient(srv.URL, "k", nil).Submit(context.Background(), Request{})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusBadRequest, pe.StatusCode)
	assert.Contains(t, pe.Body, "invalid destination")
}

func TestCircleClient_NotConfigured(t *testing.T) {
	_, err := NewCircleClient("", "", nil).Submit(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestCircleClient_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewCircleClient(srv.URL, "k", nil).Submit(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)
}
