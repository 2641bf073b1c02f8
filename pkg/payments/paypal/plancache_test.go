package paypal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/membergate/membergate/pkg/membergate"
)

// fakePayPal serves the token, product, and plan endpoints EnsurePlans
// touches, handing out sequential ids.
func fakePayPal(t *testing.T) (*httptest.Server, *int) {
	t.Helper()
	planSeq := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "test-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/v1/catalogs/products", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "PROD-1"})
	})
	mux.HandleFunc("/v1/billing/plans", func(w http.ResponseWriter, r *http.Request) {
		planSeq++
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": fmt.Sprintf("P-%d", planSeq)})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &planSeq
}

func TestNewPlanCacheMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.json")
	pc, err := NewPlanCache(path)
	require.NoError(t, err)

	_, ok := pc.ProcessorPlanID("monthly")
	require.False(t, ok)
	_, ok = pc.LocalPlanID("P-1")
	require.False(t, ok)
}

func TestNewPlanCacheRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	_, err := NewPlanCache(path)
	require.Error(t, err)
}

func TestEnsurePlansCreatesAndPersists(t *testing.T) {
	srv, planSeq := fakePayPal(t)
	client, err := NewClient(ClientConfig{ClientID: "id", Secret: "secret", BaseURL: srv.URL})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "plans.json")
	pc, err := NewPlanCache(path)
	require.NoError(t, err)

	plans := map[string]membergate.PlanConfig{
		"monthly": {ID: "monthly", DisplayName: "Monthly", PriceUSD: 9.99, DurationDays: 30, Recurring: true},
		"day":     {ID: "day", DisplayName: "Day pass", PriceUSD: 1.50, DurationDays: 1},
	}
	require.NoError(t, pc.EnsurePlans(context.Background(), client, "Group access", plans))

	require.Equal(t, 1, *planSeq, "one-time plans must not get billing plans")
	remote, ok := pc.ProcessorPlanID("monthly")
	require.True(t, ok)

	local, ok := pc.LocalPlanID(remote)
	require.True(t, ok)
	require.Equal(t, "monthly", local)

	_, ok = pc.ProcessorPlanID("day")
	require.False(t, ok)

	// A fresh cache reads the persisted mapping back.
	reloaded, err := NewPlanCache(path)
	require.NoError(t, err)
	got, ok := reloaded.ProcessorPlanID("monthly")
	require.True(t, ok)
	require.Equal(t, remote, got)

	// Running again with everything mapped makes no plan calls.
	require.NoError(t, reloaded.EnsurePlans(context.Background(), client, "Group access", plans))
	require.Equal(t, 1, *planSeq)
}
