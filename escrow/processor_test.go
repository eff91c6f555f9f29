package escrow_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrJones267/aryv-coord/config"
	"github.com/MrJones267/aryv-coord/escrow"
	"github.com/MrJones267/aryv-coord/types"
)

func TestHTTPProcessor_Hold(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	proc := escrow.NewHTTPProcessor(config.PaymentsConfig{URL: srv.URL})
	err := proc.Hold(context.Background(), &types.Escrow{ID: "e-1", PayerID: "alice", Amount: 2500, Currency: "EUR"})
	require.NoError(t, err)

	assert.Equal(t, "e-1", got["escrow_id"])
	assert.Equal(t, "alice", got["payer_id"])
	assert.Equal(t, float64(2500), got["amount"])
	assert.Equal(t, "EUR", got["currency"])
}

func TestHTTPProcessor_Declined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	proc := escrow.NewHTTPProcessor(config.PaymentsConfig{URL: srv.URL})
	err := proc.Hold(context.Background(), &types.Escrow{ID: "e-1", Amount: 100, Currency: "EUR"})
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
}
