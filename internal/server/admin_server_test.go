package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/devrev/pairdb/distcache/internal/backuplog"
	"github.com/devrev/pairdb/distcache/internal/metrics"
	"github.com/devrev/pairdb/distcache/internal/model"
	"github.com/devrev/pairdb/distcache/internal/registry"
	"github.com/devrev/pairdb/distcache/internal/service"
	"github.com/devrev/pairdb/distcache/internal/topology"
	"github.com/devrev/pairdb/distcache/internal/transport"
	"github.com/devrev/pairdb/distcache/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) (*AdminServer, *service.Node) {
	t.Helper()

	self := model.Member{ID: "a"}
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("a", reg)
	network := transport.NewNetwork()
	tracker := topology.NewTracker()
	services := registry.New(zap.NewNop())
	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "a", MaxWorkers: 2, QueueSize: 16})
	node := service.NewNode(self, services, tracker, m, zap.NewNop())

	svc, err := service.NewPartitionedService(service.Config{
		Name:        "cache",
		Self:        self,
		Partitions:  4,
		Replication: model.ReplicationPolicy{Mode: model.ReplicationSync},
		ReadLocator: model.ReadLocatorPolicy{Kind: model.ReadLocatorPrimary},
		SyncTimeout: time.Second,
		Log:         backuplog.Config{MaxEntries: 100, MaxBytes: 1 << 20},
		Retry:       service.RetryConfig{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
	}, service.Deps{
		Transport: network.Endpoint(self.ID),
		Pool:      pool,
		Topology:  tracker,
		Resolvers: services,
		Metrics:   m,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, node.AddService(context.Background(), svc))
	network.Register(self.ID, node)

	t.Cleanup(func() {
		_ = node.Close()
		_ = pool.Stop(time.Second)
	})

	s := NewAdminServer(&AdminServerConfig{Port: 0, MetricsPath: "/metrics", Gatherer: reg}, node, m, zap.NewNop())
	return s, node
}

func join(t *testing.T, node *service.Node) {
	t.Helper()
	require.NoError(t, node.ApplyViewChange(context.Background(), model.ViewChange{
		Version: 1,
		Added:   []model.Member{node.Self()},
	}))
}

func get(t *testing.T, s *AdminServer, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestAdminServer_Health(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "a", body["member_id"])
}

func TestAdminServer_ReadyAfterFirstView(t *testing.T) {
	s, node := newTestServer(t)

	assert.Equal(t, http.StatusServiceUnavailable, get(t, s, http.MethodGet, "/ready").Code)

	join(t, node)

	rec := get(t, s, http.MethodGet, "/ready")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status   string                    `json:"status"`
		Services map[string]map[string]int `json:"services"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, 4, body.Services["cache"][string(model.PartitionStateAvailable)])
}

func TestAdminServer_Partitions(t *testing.T) {
	s, node := newTestServer(t)
	join(t, node)

	rec := get(t, s, http.MethodGet, "/services/cache/partitions")
	require.Equal(t, http.StatusOK, rec.Code)

	var all []partitionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all, 4)
	for i, v := range all {
		assert.Equal(t, model.PartitionID(i), v.Assignment.Chain.Partition)
		assert.Equal(t, []model.MemberID{"a"}, v.Assignment.Chain.Members)
		require.NotNil(t, v.Lag)
		assert.True(t, v.Lag.Primary)
	}

	rec = get(t, s, http.MethodGet, "/services/cache/partitions/2")
	require.Equal(t, http.StatusOK, rec.Code)
	var one partitionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, model.PartitionID(2), one.Assignment.Chain.Partition)
	assert.Equal(t, model.PartitionStateAvailable, one.Assignment.State)
}

func TestAdminServer_Errors(t *testing.T) {
	s, node := newTestServer(t)
	join(t, node)

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{name: "unknown service", method: http.MethodGet, path: "/services/nope/partitions", status: http.StatusNotFound},
		{name: "unknown partition", method: http.MethodGet, path: "/services/cache/partitions/99", status: http.StatusNotFound},
		{name: "reclaim owned partition", method: http.MethodPost, path: "/services/cache/partitions/1/reclaim", status: http.StatusBadRequest},
		{name: "wrong method", method: http.MethodPost, path: "/services/cache/partitions", status: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, get(t, s, tt.method, tt.path).Code)
		})
	}
}

func TestAdminServer_FlushAndUnhealthy(t *testing.T) {
	s, node := newTestServer(t)
	join(t, node)

	assert.Equal(t, http.StatusAccepted, get(t, s, http.MethodPost, "/services/cache/partitions/0/flush").Code)

	rec := get(t, s, http.MethodGet, "/services/cache/unhealthy")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestAdminServer_Metrics(t *testing.T) {
	s, node := newTestServer(t)
	join(t, node)
	s.updateSystemMetrics()

	rec := get(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "goroutines")
}
