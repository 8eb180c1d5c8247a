package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/example/hermes-sync/internal/allocation"
	"github.com/example/hermes-sync/internal/coordinator"
	"github.com/example/hermes-sync/internal/ledger"
	"github.com/example/hermes-sync/internal/notify"
	"github.com/example/hermes-sync/internal/remote"
	"github.com/example/hermes-sync/internal/types"
	"github.com/example/hermes-sync/internal/undo"
)

func newServer(t *testing.T) (*httptest.Server, *remote.Memory) {
	t.Helper()
	backend := remote.NewMemory()
	backend.Put(coordinator.DefaultBills, "b1", types.Fields{"category": "Poupança", "isPaid": true, "amount": 200})
	backend.Put(coordinator.DefaultGoals, "g1", types.Fields{"name": "Trip", "priority": 1, "targetAmount": 150})
	backend.Put(coordinator.DefaultGoals, "g2", types.Fields{"name": "Car", "priority": 2, "targetAmount": 500})

	logger := zerolog.New(io.Discard)
	coord := coordinator.New(backend, ledger.NewMemory(), notify.NewRecorder(64), logger, coordinator.Options{
		ConfirmTimeout: time.Second,
		TriggerEvery:   time.Hour,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()

	srv := httptest.NewServer(NewRouter(coord, nil, logger))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		require.NoError(t, <-done)
	})

	require.Eventually(t, func() bool {
		return len(coord.Mirror().Read(coordinator.DefaultGoals)) == 2
	}, 2*time.Second, 10*time.Millisecond)
	return srv, backend
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestReadEndpoints(t *testing.T) {
	srv, _ := newServer(t)

	var docs []types.Document
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/collections/finance_goals/", nil, &docs))
	require.Len(t, docs, 2)

	var doc types.Document
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/collections/finance_goals/g1", nil, &doc))
	require.Equal(t, "Trip", doc.Fields["name"])

	var errResp ErrorResponse
	require.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, srv.URL+"/collections/finance_goals/zzz", nil, &errResp))
	require.Equal(t, "document not found", errResp.Error)

	require.Eventually(t, func() bool {
		var summary allocation.Summary
		doJSON(t, http.MethodGet, srv.URL+"/allocation", nil, &summary)
		return len(summary.Goals) == 2 && summary.Pool.IntPart() == 200
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMutateAndUndo(t *testing.T) {
	srv, backend := newServer(t)

	var resp MutationResponse
	status := doJSON(t, http.MethodPost, srv.URL+"/collections/finance_goals/g1/mutations", MutationRequest{
		Patch: types.SetField("targetAmount", 75),
		Label: "edit goal",
		Wait:  true,
	}, &resp)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "confirmed", resp.Status)
	require.NotEmpty(t, resp.CorrelationID)

	remoteDoc, ok := backend.Document(coordinator.DefaultGoals, "g1")
	require.True(t, ok)
	require.EqualValues(t, 75, remoteDoc.Fields["targetAmount"])

	var entries []undo.Entry
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/undo/", nil, &entries))
	require.Len(t, entries, 1)
	require.Equal(t, "edit goal", entries[0].Label)

	var entry undo.Entry
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, srv.URL+"/undo/", nil, &entry))
	require.Eventually(t, func() bool {
		doc, ok := backend.Document(coordinator.DefaultGoals, "g1")
		return ok && doc.Fields["targetAmount"] == 150
	}, 2*time.Second, 10*time.Millisecond)

	var errResp ErrorResponse
	require.Equal(t, http.StatusConflict, doJSON(t, http.MethodPost, srv.URL+"/undo/", nil, &errResp))
}

func TestMutateRejectsBadInput(t *testing.T) {
	srv, backend := newServer(t)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/collections/finance_goals/g1/mutations", bytes.NewBufferString("{"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	backend.SetFault(func(types.CollectionID, types.DocumentID, types.Patch) error { return remote.ErrRejected })
	var errResp ErrorResponse
	status := doJSON(t, http.MethodPost, srv.URL+"/collections/finance_goals/g1/mutations", MutationRequest{
		Patch: types.SetField("targetAmount", 1),
		Wait:  true,
	}, &errResp)
	require.Equal(t, http.StatusBadGateway, status)
	require.Equal(t, "mutation failed", errResp.Error)
}

func TestReorderGoalsEndpoint(t *testing.T) {
	srv, _ := newServer(t)

	var summary allocation.Summary
	status := doJSON(t, http.MethodPost, srv.URL+"/goals/order", map[string]any{"order": []string{"g2", "g1"}}, &summary)
	require.Equal(t, http.StatusOK, status)

	var errResp ErrorResponse
	status = doJSON(t, http.MethodPost, srv.URL+"/goals/order", map[string]any{"order": []string{"missing"}}, &errResp)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestCORSPreflight(t *testing.T) {
	r := NewRouter(nil, nil, zerolog.New(io.Discard), WithAllowedOrigins("http://localhost:5173"))

	req := httptest.NewRequest(http.MethodOptions, "/allocation", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
