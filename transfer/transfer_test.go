package transfer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ferryhq/ferry/controlplane"
	"github.com/ferryhq/ferry/progress"
	"github.com/ferryhq/ferry/replication"
	"github.com/ferryhq/ferry/source"
)

// fakeControlPlane serves the minimal configuration graph a transfer needs
// and records every run update it receives.
type fakeControlPlane struct {
	mu          sync.Mutex
	destination map[string]any
	recipient   map[string]any
	model       map[string]any
	source      map[string]any
	lastRun     map[string]any // nil means 404
	creates     []map[string]any
	updates     []map[string]any
}

func (f *fakeControlPlane) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var path = strings.TrimPrefix(r.URL.Path, "/internal")
		var reply = func(v any) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(v)
		}
		switch {
		case strings.HasPrefix(path, "/destinations/"):
			reply(f.destination)
		case strings.HasPrefix(path, "/recipients/"):
			reply(f.recipient)
		case strings.HasPrefix(path, "/models/"):
			reply(f.model)
		case strings.HasPrefix(path, "/sources/"):
			reply(f.source)
		case path == "/runs" && r.Method == http.MethodPost:
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			f.mu.Lock()
			f.creates = append(f.creates, body)
			f.mu.Unlock()
			reply(map[string]any{"transfer_run_id": "run-1"})
		case strings.HasPrefix(path, "/runs/") && r.Method == http.MethodPut:
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			f.mu.Lock()
			f.updates = append(f.updates, body)
			f.mu.Unlock()
			reply(map[string]any{})
		case strings.HasPrefix(path, "/runs/"):
			if f.lastRun == nil {
				http.NotFound(w, r)
				return
			}
			reply(f.lastRun)
		default:
			http.NotFound(w, r)
		}
	})
}

func (f *fakeControlPlane) lastUpdate(t *testing.T) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.updates)
	return f.updates[len(f.updates)-1]
}

func newFakeControlPlane(schedule map[string]any) *fakeControlPlane {
	return &fakeControlPlane{
		destination: map[string]any{
			"id":           "t1",
			"recipient_id": "r1",
			"vendor_type":  "console",
			"connection_info": map[string]any{
				"vendor_type": "console",
				"limit":       1,
			},
			"schedule": schedule,
			"models":   []string{"m1"},
		},
		recipient: map[string]any{"id": "r1", "tenant_id": "Customer1"},
		model: map[string]any{
			"id":                      "m1",
			"source_id":               "s1",
			"schema_name":             "app",
			"table_name":              "users",
			"primary_key_column":      "id",
			"last_modified_at_column": "updated_at",
			"tenant_id_column":        "customer_id",
		},
		source: map[string]any{
			"id":              "s1",
			"vendor_type":     "memory",
			"connection_info": map[string]any{"vendor_type": "memory"},
		},
	}
}

func newTestCommand(t *testing.T, cp *fakeControlPlane, cfg Config) *TransferCommand {
	t.Helper()
	var server = httptest.NewServer(cp.handler())
	t.Cleanup(server.Close)
	cfg.CacheDir = t.TempDir()
	return NewTransferCommand(controlplane.NewClient(server.URL), cfg)
}

func sourceProgress(t *testing.T, out map[string]any) progress.Summary {
	t.Helper()
	var prog, ok = out["progress"].(map[string]any)
	require.True(t, ok)
	var s, found = prog["source+memory://memory/app/users"].(progress.Summary)
	require.True(t, found)
	return s
}

func TestTransferFullRefreshDeliversTenantRows(t *testing.T) {
	var cp = newFakeControlPlane(map[string]any{"type": "FULL_REFRESH"})
	var cmd = newTestCommand(t, cp, Config{TransferID: "t1"})

	var res, err = cmd.Execute(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)

	// Customer1 owns 29 of the 100 fixture rows.
	require.Equal(t, int64(29), sourceProgress(t, res.Output).Processed)

	var last = cp.lastUpdate(t)
	require.Equal(t, "SUCCESS", last["status"])
}

func TestTransferIncrementalWindowOverride(t *testing.T) {
	var start = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var end = time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)

	var cp = newFakeControlPlane(map[string]any{
		"type": "INCREMENTAL", "frequency": "DAILY",
	})
	var cmd = newTestCommand(t, cp, Config{
		TransferID: "t1",
		ModeOverride: &replication.Mode{
			Type: replication.Incremental, Period: replication.Daily,
			Start: &start, End: &end,
		},
	})

	var res, err = cmd.Execute(context.Background())
	require.NoError(t, err)

	// Seven Customer1 rows fall inside [start, end).
	require.Equal(t, int64(7), sourceProgress(t, res.Output).Processed)
}

func TestTransferDetectsRunGap(t *testing.T) {
	var staleRun = time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC)
	var cp = newFakeControlPlane(map[string]any{
		"type": "INCREMENTAL", "frequency": "DAILY", "hour": 1,
	})
	cp.lastRun = map[string]any{
		"id":          "run-0",
		"transfer_id": "t1",
		"status":      "SUCCESS",
		"created_at":  staleRun.Format(time.RFC3339),
	}
	var cmd = newTestCommand(t, cp, Config{
		TransferID: "t1",
		Now:        time.Date(2025, 3, 5, 1, 0, 0, 0, time.UTC),
	})

	var res, err = cmd.Execute(context.Background())
	require.Error(t, err)
	require.False(t, res.Success)

	var gap *replication.RunGapError
	require.ErrorAs(t, err, &gap)

	var last = cp.lastUpdate(t)
	require.Equal(t, "FAILURE", last["status"])
	var output = last["output"].(map[string]any)
	require.Equal(t, "RUN_GAP_DETECTED", output["error"])
}

func TestTransferModelOverrideSkipsRunGap(t *testing.T) {
	var staleRun = time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC)
	var cp = newFakeControlPlane(map[string]any{
		"type": "INCREMENTAL", "frequency": "DAILY", "hour": 1,
	})
	cp.lastRun = map[string]any{
		"id":          "run-0",
		"transfer_id": "t1",
		"status":      "SUCCESS",
		"created_at":  staleRun.Format(time.RFC3339),
	}

	// An explicit model list marks the run as an override, so the stale
	// last run must not trip the gap check.
	var cmd = newTestCommand(t, cp, Config{
		TransferID: "t1",
		ModelIDs:   []string{"m1"},
		Now:        time.Date(2025, 3, 5, 1, 0, 0, 0, time.UTC),
	})

	var res, err = cmd.Execute(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "SUCCESS", cp.lastUpdate(t)["status"])
}

func TestTransferFailureRecordsCause(t *testing.T) {
	var cp = newFakeControlPlane(map[string]any{"type": "FULL_REFRESH"})
	cp.model["table_name"] = "orders" // not in the fixture
	var cmd = newTestCommand(t, cp, Config{TransferID: "t1"})

	var _, err = cmd.Execute(context.Background())
	require.Error(t, err)

	var output = cp.lastUpdate(t)["output"].(map[string]any)
	require.Equal(t, "SOURCE_STREAM_DOES_NOT_EXIST", output["error"])
	require.Contains(t, output["cause"], "app.orders")
}

func TestTransferRecordsRunMeta(t *testing.T) {
	var cp = newFakeControlPlane(map[string]any{"type": "FULL_REFRESH"})
	var cmd = newTestCommand(t, cp, Config{
		TransferID:  "t1",
		ExecutionID: "exec-7",
		RetryCount:  1,
		RetryLimit:  3,
	})

	var _, err = cmd.Execute(context.Background())
	require.NoError(t, err)

	require.Len(t, cp.creates, 1)
	var meta = cp.creates[0]["meta"].(map[string]any)
	require.Equal(t, "exec-7", meta["execution_id"])
	require.Equal(t, float64(1), meta["retry_count"])
	require.Equal(t, float64(3), meta["retry_max_attempts"])

	var args = meta["arguments"].(map[string]any)
	require.Equal(t, "transfer", args["type"])
	require.Equal(t, []any{"m1"}, args["models"])
	require.Equal(t, false, args["drop_after_complete"])
	require.Equal(t, "FULL_REFRESH", args["mode"].(map[string]any)["type"])
}

func TestCauseAndRetriable(t *testing.T) {
	require.Equal(t, "RUN_GAP_DETECTED", Cause(&replication.RunGapError{}))
	require.Equal(t, CauseUnknown, Cause(context.Canceled))

	require.True(t, Retriable("SOURCE_CONNECTION_FAILED"))
	require.True(t, Retriable("DESTINATION_CONNECTION_FAILED"))
	require.True(t, Retriable(CauseUnknown))
	require.False(t, Retriable("RUN_GAP_DETECTED"))
	require.False(t, Retriable("INTEGRITY_CHECK_FAILED"))
}

func TestSourceCheckCommand(t *testing.T) {
	var cp = newFakeControlPlane(map[string]any{"type": "FULL_REFRESH"})
	var server = httptest.NewServer(cp.handler())
	defer server.Close()

	var cmd = &SourceCheckCommand{API: controlplane.NewClient(server.URL), SourceID: "s1"}
	var res, err = cmd.Execute(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)
}

func TestSourceInspectCommand(t *testing.T) {
	var cp = newFakeControlPlane(map[string]any{"type": "FULL_REFRESH"})
	var server = httptest.NewServer(cp.handler())
	defer server.Close()

	var cmd = &SourceInspectCommand{API: controlplane.NewClient(server.URL), SourceID: "s1"}
	var res, err = cmd.Execute(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)

	var streams = res.Output["streams"].([]source.StreamInfo)
	require.Len(t, streams, 1)
	require.Equal(t, "app", streams[0].SchemaName)
	require.Equal(t, "users", streams[0].StreamName)
}
