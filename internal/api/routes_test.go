package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/salbaldovinos/hoofdirect-sub000/internal/config"
	"github.com/salbaldovinos/hoofdirect-sub000/internal/logger"
	"github.com/salbaldovinos/hoofdirect-sub000/internal/store"
	"github.com/salbaldovinos/hoofdirect-sub000/internal/sync"
)

func TestMain(m *testing.M) {
	if err := logger.InitLogger("error", "console"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type stubGateway struct{}

func (stubGateway) Push(ctx context.Context, req sync.PushRequest) (*sync.PushAck, error) {
	return &sync.PushAck{}, nil
}

func (stubGateway) Pull(ctx context.Context, entityType string, since time.Time) ([]sync.RemoteRecord, error) {
	return nil, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *sync.Manager) {
	t.Helper()

	st, err := store.NewSQLStore(config.StorageConfig{
		Type:     "sqlite",
		FilePath: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		Sync: config.SyncConfig{
			EntityTypes:     []string{"client"},
			EnqueueDebounce: "10ms",
		},
		Scheduler:    config.SchedulerConfig{Enabled: false},
		Connectivity: config.ConnectivityConfig{OfflineDebounce: "1ms"},
	}

	engine := sync.NewManager(cfg, st, stubGateway{}, nil)
	require.NoError(t, engine.Start())
	t.Cleanup(engine.Stop)

	srv := httptest.NewServer(NewHandler(engine).Routes())
	t.Cleanup(srv.Close)
	return srv, engine
}

func TestHealthCheck(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEnqueueAndRecordStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"entity_type": "client",
		"entity_id":   "c1",
		"operation":   "create",
		"payload":     map[string]string{"name": "Sarah"},
	})
	resp, err := http.Post(srv.URL+"/api/v1/mutations", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/records/client/c1/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Equal(t, "pending_create", status["sync_status"])
}

func TestEnqueueRejectsUnknownOperation(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"entity_type": "client",
		"entity_id":   "c1",
		"operation":   "merge",
	})
	resp, err := http.Post(srv.URL+"/api/v1/mutations", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSyncStatusEndpoint(t *testing.T) {
	srv, engine := newTestServer(t)
	engine.SetConnectivity(true, sync.TransportMetered)

	resp, err := http.Get(srv.URL + "/api/v1/sync/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Equal(t, true, status["online"])
	require.Equal(t, "metered", status["transport"])
	require.Equal(t, float64(0), status["pending_count"])
}

func TestReportConnectivity(t *testing.T) {
	srv, engine := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{"online": true, "transport": "unmetered"})
	resp, err := http.Post(srv.URL+"/api/v1/connectivity", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, engine.Observer().Online())

	body, _ = json.Marshal(map[string]interface{}{"online": true, "transport": "carrier-pigeon"})
	resp, err = http.Post(srv.URL+"/api/v1/connectivity", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListFailedEmpty(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/queue/failed")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
