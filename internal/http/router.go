// Package httpx exposes the version manager API over HTTP: deployment
// lifecycle, snapshots, infrastructure health, the activity journal and the
// streaming endpoints the dashboard consumes.
package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/krystianslowik/n8n-k8s-version-manager/internal/cluster"
	"github.com/krystianslowik/n8n-k8s-version-manager/internal/domain"
	"github.com/krystianslowik/n8n-k8s-version-manager/internal/service/release"
	"github.com/krystianslowik/n8n-k8s-version-manager/internal/ws"
)

// Registry is the deployment lifecycle surface.
type Registry interface {
	Create(ctx context.Context, req domain.DeployRequest) (domain.Version, error)
	Remove(ctx context.Context, target string) error
	List(ctx context.Context) ([]domain.Version, error)
	Get(ctx context.Context, namespace string) (domain.Version, error)
	Phase(ctx context.Context, namespace string) (cluster.PhaseInfo, error)
	Pods(ctx context.Context, namespace string) ([]cluster.PodSummary, error)
	Events(ctx context.Context, namespace string, limit int) ([]cluster.Event, error)
}

// Snapshots is the dump management surface.
type Snapshots interface {
	List(ctx context.Context) ([]domain.Snapshot, error)
	Create(ctx context.Context, namespace, name string) (domain.Snapshot, error)
	Delete(ctx context.Context, filename string) error
	Upload(ctx context.Context, name string, r io.Reader, size int64) (domain.Snapshot, error)
}

// Infra reports backing service health.
type Infra interface {
	Status(ctx context.Context) domain.InfrastructureStatus
}

// Journal is the activity log surface.
type Journal interface {
	List() []domain.ActivityItem
	Record(kind domain.ActivityType, target, details string)
	Clear()
}

// Releases serves the upstream version catalog.
type Releases interface {
	List(ctx context.Context) (release.Catalog, error)
}

// Capacity reports cluster memory headroom.
type Capacity interface {
	Resources(ctx context.Context, prefix string) (cluster.ResourceReport, error)
}

const (
	defaultEventLimit  = 20
	phasePollInterval  = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
	healthCheckTimeout = 2 * time.Second
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	registry      Registry
	snapshots     Snapshots
	infra         Infra
	journal       Journal
	releases      Releases
	capacity      Capacity
	hub           *ws.Hub
	upgrader      websocket.Upgrader
	clusterHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	deployTotal        *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, registry Registry, snapshots Snapshots, infra Infra, journal Journal, releases Releases, capacity Capacity, hub *ws.Hub, clusterHealth func(context.Context) error) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		registry:  registry,
		snapshots: snapshots,
		infra:     infra,
		journal:   journal,
		releases:  releases,
		capacity:  capacity,
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clusterHealth: clusterHealth,
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/api/versions", r.audit(r.handleVersions))
	r.mux.HandleFunc("/api/versions/", r.audit(r.handleVersionSubroutes))
	r.mux.HandleFunc("/api/snapshots", r.audit(r.handleSnapshots))
	r.mux.HandleFunc("/api/snapshots/", r.audit(r.handleSnapshotSubroutes))
	r.mux.HandleFunc("/api/activity", r.audit(r.handleActivity))
	r.mux.HandleFunc("/api/activity/stream", r.audit(r.handleActivitySSE))
	r.mux.HandleFunc("/api/infrastructure/status", r.audit(r.handleInfraStatus))
	r.mux.HandleFunc("/api/cluster/resources", r.audit(r.handleClusterResources))
	r.mux.HandleFunc("/ws/activity", r.handleActivityWS)
}

func (r *Router) handleVersions(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		records, err := r.registry.List(req.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"versions": records})
	case http.MethodPost:
		// Absent fields keep the defaults: queue topology, isolated database.
		payload := domain.DeployRequest{Mode: domain.ModeQueue, IsolatedDB: true}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		record, err := r.registry.Create(req.Context(), payload)
		r.recordDeployMetric("create", err)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, record)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleVersionSubroutes(w http.ResponseWriter, req *http.Request) {
	path := strings.TrimPrefix(req.URL.Path, "/api/versions/")
	if path == "available" {
		r.handleAvailableVersions(w, req)
		return
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		r.notFound(w)
		return
	}
	namespace := parts[0]

	switch len(parts) {
	case 1:
		switch req.Method {
		case http.MethodGet:
			record, err := r.registry.Get(req.Context(), namespace)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, record)
		case http.MethodDelete:
			err := r.registry.Remove(req.Context(), namespace)
			r.recordDeployMetric("remove", err)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"deleted": namespace})
		default:
			r.methodNotAllowed(w)
		}
	case 2:
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		switch parts[1] {
		case "status":
			record, err := r.registry.Get(req.Context(), namespace)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, record)
		case "pods":
			pods, err := r.registry.Pods(req.Context(), namespace)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"pods": pods})
		case "events":
			limit := defaultEventLimit
			if raw := req.URL.Query().Get("limit"); raw != "" {
				if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
					limit = parsed
				}
			}
			events, err := r.registry.Events(req.Context(), namespace, limit)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"events": events})
		case "phase":
			info, err := r.registry.Phase(req.Context(), namespace)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, info)
		default:
			r.notFound(w)
		}
	case 3:
		if parts[1] == "phase" && parts[2] == "stream" {
			r.handlePhaseStream(w, req, namespace)
			return
		}
		r.notFound(w)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleAvailableVersions(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	catalog, err := r.releases.List(req.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, catalog)
}

// handlePhaseStream serves phase updates as SSE until the deployment settles
// or the client disconnects. The poll results are fanned out through the hub
// so concurrent watchers of one namespace share the stream.
func (r *Router) handlePhaseStream(w http.ResponseWriter, req *http.Request, namespace string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	topic := ws.PhaseTopic(namespace)
	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(topic, client)
	defer func() {
		r.hub.Unregister(topic, client)
		client.Close()
	}()

	ticker := time.NewTicker(phasePollInterval)
	defer ticker.Stop()
	for {
		info, err := r.registry.Phase(req.Context(), namespace)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return
			}
			r.logger.Warn("phase poll failed", "namespace", namespace, "error", err)
		} else {
			payload, _ := json.Marshal(info)
			r.hub.Broadcast(topic, payload)
			if info.Phase == cluster.PhaseRunning || info.Phase == cluster.PhaseFailed {
				return
			}
		}
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Router) handleSnapshots(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		snapshots, err := r.snapshots.List(req.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"snapshots": snapshots})
	case http.MethodPost:
		var payload struct {
			Namespace string `json:"namespace"`
			Name      string `json:"name"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if payload.Namespace == "" {
			writeError(w, http.StatusBadRequest, "namespace is required")
			return
		}
		snap, err := r.snapshots.Create(req.Context(), payload.Namespace, payload.Name)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, snap)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleSnapshotSubroutes(w http.ResponseWriter, req *http.Request) {
	path := strings.TrimPrefix(req.URL.Path, "/api/snapshots/")
	if path == "upload" {
		r.handleSnapshotUpload(w, req)
		return
	}
	if path == "" || strings.Contains(path, "/") {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodDelete {
		r.methodNotAllowed(w)
		return
	}
	if err := r.snapshots.Delete(req.Context(), path); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": path})
}

func (r *Router) handleSnapshotUpload(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	name := strings.TrimSpace(req.URL.Query().Get("name"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "name query parameter is required")
		return
	}
	snap, err := r.snapshots.Upload(req.Context(), name, req.Body, req.ContentLength)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (r *Router) handleActivity(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"activity": r.journal.List()})
	case http.MethodPost:
		var payload struct {
			Type    string `json:"type"`
			Target  string `json:"target"`
			Details string `json:"details"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		kind := domain.ActivityType(payload.Type)
		switch kind {
		case domain.ActivityDeployed, domain.ActivityDeleted, domain.ActivityRestored, domain.ActivitySnapshot:
		default:
			writeError(w, http.StatusBadRequest, "unknown activity type")
			return
		}
		if payload.Target == "" {
			writeError(w, http.StatusBadRequest, "target is required")
			return
		}
		r.journal.Record(kind, payload.Target, payload.Details)
		writeJSON(w, http.StatusCreated, map[string]any{"activity": r.journal.List()})
	case http.MethodDelete:
		r.journal.Clear()
		writeJSON(w, http.StatusOK, map[string]any{"activity": []domain.ActivityItem{}})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleActivitySSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client := ws.NewSSEClient(w, flusher, r.logger)
	payload, _ := json.Marshal(r.journal.List())
	if err := client.Send(payload); err != nil {
		return
	}
	r.hub.Register(ws.TopicActivity, client)
	defer func() {
		r.hub.Unregister(ws.TopicActivity, client)
		client.Close()
	}()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-heartbeat.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleActivityWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	payload, _ := json.Marshal(r.journal.List())
	if err := client.Send(payload); err != nil {
		return
	}
	r.hub.Register(ws.TopicActivity, client)

	// Reads only detect disconnect; clients never send data.
	go func() {
		defer func() {
			r.hub.Unregister(ws.TopicActivity, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (r *Router) handleInfraStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.infra.Status(req.Context()))
}

func (r *Router) handleClusterResources(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	report, err := r.capacity.Resources(req.Context(), domain.NamespacePrefix)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.clusterHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.clusterHealth(ctx); err != nil {
			status = "degraded"
			components["cluster"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["cluster"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		r.recordRequestMetrics(req.Method, req.URL.Path, status, duration)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
