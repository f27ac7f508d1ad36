package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ferryhq/ferry/connect"
)

func TestGetSourceUsesInternalPrefix(t *testing.T) {
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/internal/sources/src-1", r.URL.Path)
		json.NewEncoder(w).Encode(Source{
			ID:         "src-1",
			VendorType: connect.PostgreSQL,
			ConnectionInfo: connect.Info{
				VendorType: connect.PostgreSQL,
				Host:       "localhost",
				Port:       5432,
			},
		})
	}))
	defer server.Close()

	var client = NewClient(server.URL)
	var src, err = client.GetSource(context.Background(), "src-1")
	require.NoError(t, err)
	require.Equal(t, connect.PostgreSQL, src.VendorType)
	require.Equal(t, 5432, src.ConnectionInfo.Port)
}

func TestCreateAndUpdateRun(t *testing.T) {
	var updates []map[string]any
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/internal/runs":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, "tr-1", body["transfer_id"])
			require.Equal(t, StatusRunning, body["status"])
			json.NewEncoder(w).Encode(map[string]string{"transfer_run_id": "run-9"})
		case r.Method == http.MethodPut && r.URL.Path == "/internal/runs/run-9":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			updates = append(updates, body)
			w.WriteHeader(http.StatusOK)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	var client = NewClient(server.URL)
	var runID, err = client.CreateRun(context.Background(), "tr-1",
		map[string]any{"execution_id": "e-1"})
	require.NoError(t, err)
	require.Equal(t, "run-9", runID)

	require.NoError(t, client.UpdateRun(context.Background(), runID, StatusSuccess,
		map[string]any{"success": true}))
	require.Len(t, updates, 1)
	require.Equal(t, StatusSuccess, updates[0]["status"])
}

func TestRetriesServerErrors(t *testing.T) {
	var calls int
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(Recipient{ID: "r-1", TenantID: "Customer1"})
	}))
	defer server.Close()

	var client = NewClient(server.URL, WithMaxRetries(5))
	var rec, err = client.GetRecipient(context.Background(), "r-1")
	require.NoError(t, err)
	require.Equal(t, "Customer1", rec.TenantID)
	require.Equal(t, 3, calls)
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls int
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	var client = NewClient(server.URL, WithMaxRetries(5))
	var _, err = client.GetModel(context.Background(), "m-1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	require.Equal(t, 1, calls)
}

func TestGetLastRunMissingIsNil(t *testing.T) {
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	var run, err = NewClient(server.URL).GetLastRun(context.Background(), "tr-1")
	require.NoError(t, err)
	require.Nil(t, run)
}
