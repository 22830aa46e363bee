// Package server exposes metrics, health and partition monitoring over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/devrev/pairdb/distcache/internal/errors"
	"github.com/devrev/pairdb/distcache/internal/metrics"
	"github.com/devrev/pairdb/distcache/internal/model"
	"github.com/devrev/pairdb/distcache/internal/replication"
	"github.com/devrev/pairdb/distcache/internal/service"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// AdminServer serves Prometheus metrics, health checks and partition state
type AdminServer struct {
	httpServer *http.Server
	router     *mux.Router
	node       *service.Node
	metrics    *metrics.Metrics
	logger     *zap.Logger
	stopChan   chan struct{}
}

// AdminServerConfig holds configuration for the admin server
type AdminServerConfig struct {
	Port        int
	MetricsPath string
	Gatherer    prometheus.Gatherer
}

// NewAdminServer creates a new admin server
func NewAdminServer(cfg *AdminServerConfig, node *service.Node, m *metrics.Metrics, logger *zap.Logger) *AdminServer {
	router := mux.NewRouter()

	s := &AdminServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		router:   router,
		node:     node,
		metrics:  m,
		logger:   logger,
		stopChan: make(chan struct{}),
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	path := cfg.MetricsPath
	if path == "" {
		path = "/metrics"
	}

	router.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.readyHandler).Methods(http.MethodGet)

	svc := router.PathPrefix("/services/{service}").Subrouter()
	svc.HandleFunc("/partitions", s.listPartitions).Methods(http.MethodGet)
	svc.HandleFunc("/partitions/{id:[0-9]+}", s.getPartition).Methods(http.MethodGet)
	svc.HandleFunc("/partitions/{id:[0-9]+}/flush", s.flushPartition).Methods(http.MethodPost)
	svc.HandleFunc("/partitions/{id:[0-9]+}/reclaim", s.reclaimPartition).Methods(http.MethodPost)
	svc.HandleFunc("/unhealthy", s.listUnhealthy).Methods(http.MethodGet)

	return s
}

// Handler returns the HTTP handler of the admin server
func (s *AdminServer) Handler() http.Handler {
	return s.router
}

// Start starts the admin server
func (s *AdminServer) Start() error {
	s.logger.Info("Starting admin server", zap.String("addr", s.httpServer.Addr))

	go s.collectSystemMetrics()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the admin server
func (s *AdminServer) Stop() error {
	s.logger.Info("Stopping admin server")

	close(s.stopChan)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.GetCode(err) {
	case errors.ErrCodeInvalidArgument:
		status = http.StatusBadRequest
	case errors.ErrCodeUnknownPartition:
		status = http.StatusNotFound
	case errors.ErrCodePartitionUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  errors.GetCode(err),
	})
}

// healthHandler handles liveness requests
func (s *AdminServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"member_id": string(s.node.Self().ID),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// readyHandler reports ready once a view is applied and no partition is recovering
func (s *AdminServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.node.Tracker().Version() == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "reason": "no_view"})
		return
	}

	services := make(map[string]map[string]int)
	recovering := 0
	for _, svc := range s.node.Services() {
		counts := map[string]int{}
		for _, a := range svc.Assignments() {
			counts[string(a.State)]++
		}
		recovering += counts[string(model.PartitionStateRecovering)]
		services[svc.Name()] = counts
	}

	if recovering > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":   "not_ready",
			"reason":   "recovering",
			"services": services,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ready",
		"view_version": s.node.Tracker().Version(),
		"services":     services,
	})
}

// partitionView is the monitoring view of one partition on this member
type partitionView struct {
	Assignment model.Assignment `json:"assignment"`
	Lag        *replication.Lag `json:"lag,omitempty"`
}

func (s *AdminServer) service(w http.ResponseWriter, r *http.Request) (*service.PartitionedService, bool) {
	name := mux.Vars(r)["service"]
	svc, ok := s.node.Service(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("service %q not found", name)})
		return nil, false
	}
	return svc, true
}

func partitionID(r *http.Request) model.PartitionID {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	return model.PartitionID(id)
}

func view(svc *service.PartitionedService, a model.Assignment) partitionView {
	v := partitionView{Assignment: a}
	if lag, err := svc.Lag(a.Chain.Partition); err == nil && lag.Primary {
		v.Lag = &lag
	}
	return v
}

func (s *AdminServer) listPartitions(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}

	assignments := svc.Assignments()
	views := make([]partitionView, 0, len(assignments))
	for _, a := range assignments {
		views = append(views, view(svc, a))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *AdminServer) getPartition(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}

	a, err := svc.Assignment(partitionID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(svc, a))
}

func (s *AdminServer) flushPartition(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	if err := svc.Flush(partitionID(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "flush_requested"})
}

func (s *AdminServer) reclaimPartition(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}

	p := partitionID(r)
	chain, err := svc.ReclaimPartition(p)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Warn("Partition reclaimed over admin API",
		zap.String("service", svc.Name()),
		zap.Int("partition", int(p)))
	writeJSON(w, http.StatusOK, chain)
}

func (s *AdminServer) listUnhealthy(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, svc.UnhealthyCandidates())
}

// collectSystemMetrics periodically collects system-level metrics
func (s *AdminServer) collectSystemMetrics() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.updateSystemMetrics()
		case <-s.stopChan:
			return
		}
	}
}

// updateSystemMetrics updates system-level metrics
func (s *AdminServer) updateSystemMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	var memPercent float64
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		memPercent = vm.UsedPercent
	} else {
		s.logger.Debug("Failed to get memory stats", zap.Error(err))
	}

	var cpuPercent float64
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		cpuPercent = pct[0]
	} else if err != nil {
		s.logger.Debug("Failed to get cpu stats", zap.Error(err))
	}

	s.metrics.UpdateSystemStats(int64(memStats.Alloc), memPercent, cpuPercent, runtime.NumGoroutine())
}
