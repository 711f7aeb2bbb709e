// Package httpx exposes the deployment engine over HTTP: a JSON API, live
// log streams (websocket and SSE) and the published artifact file server.
package httpx

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"encoding/json"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autostack/autostack/internal/repository"
	"github.com/autostack/autostack/internal/service/engine"
	"github.com/autostack/autostack/internal/service/logs"
	"github.com/autostack/autostack/internal/ws"
)

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitWrite     = 60
	rateLimitRead      = 240
	rateLimitStream    = 30
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 25 * time.Second
)

// Router wires HTTP endpoints to the engine and log services.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	engine       *engine.Service
	logs         logs.Service
	upgrader     websocket.Upgrader
	limiter      RateLimiter
	dbHealth     func(context.Context) error
	streamBuffer int

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	deploymentsCreated prometheus.Counter
}

// NewRouter assembles routes with dependencies. artifactRoot is served under
// /artifacts/ so static deployments are reachable at their deployed URL.
func NewRouter(logger *slog.Logger, engineSvc *engine.Service, logSvc logs.Service, limiter RateLimiter, dbHealth func(context.Context) error, artifactRoot string, streamBuffer int) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		engine: engineSvc,
		logs:   logSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:      limiter,
		dbHealth:     dbHealth,
		streamBuffer: streamBuffer,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register(artifactRoot)
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register(artifactRoot string) {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/api/deployments", r.audit(r.withRateLimit("deployments", rateLimitWrite, rateWindowDefault, r.handleDeployments)))
	r.mux.HandleFunc("/api/classify", r.audit(r.withRateLimit("classify", rateLimitWrite, rateWindowDefault, r.handleClassify)))
	r.mux.HandleFunc("/api/deployments/", r.audit(r.withRateLimit("deployment", rateLimitRead, rateWindowDefault, r.handleDeploymentSubroutes)))
	r.mux.HandleFunc("/ws/deployments", r.audit(r.withRateLimit("stream_ws", rateLimitStream, rateWindowRealtime, r.handleStreamWS)))
	r.mux.HandleFunc("/events/deployments", r.audit(r.withRateLimit("stream_sse", rateLimitStream, rateWindowRealtime, r.handleStreamSSE)))
	if artifactRoot != "" {
		r.mux.Handle("/artifacts/", http.StripPrefix("/artifacts/", http.FileServer(http.Dir(artifactRoot))))
	}
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		r.handleCreateDeployment(w, req)
	case http.MethodGet:
		r.handleListDeployments(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleCreateDeployment(w http.ResponseWriter, req *http.Request) {
	var payload engine.CreateRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	dep, err := r.engine.Create(req.Context(), payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	r.recordDeploymentCreated()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"deployment_id": dep.ID,
		"status":        dep.Status,
		"created_at":    dep.CreatedAt.Format(time.RFC3339Nano),
	})
}

func (r *Router) handleClassify(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		RepoURL string `json:"repo_url"`
		Branch  string `json:"branch"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	strategy, err := r.engine.ClassifyRepo(req.Context(), payload.RepoURL, payload.Branch)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runtime": strategy.Kind.String(),
		"lambda":  strategy.Lambda,
	})
}

func (r *Router) handleListDeployments(w http.ResponseWriter, req *http.Request) {
	projectID := req.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id query parameter required")
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	deployments, err := r.engine.List(req.Context(), projectID, limit)
	if err != nil {
		r.logger.Error("list deployments failed", "project_id", projectID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list deployments")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": deployments})
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/api/deployments/")
	if trimmed == "" {
		r.notFound(w)
		return
	}
	parts := strings.Split(trimmed, "/")
	deploymentID := parts[0]

	switch {
	case len(parts) == 1:
		switch req.Method {
		case http.MethodGet:
			r.handleGetDeployment(w, req, deploymentID)
		case http.MethodDelete:
			r.handleDeleteDeployment(w, req, deploymentID)
		default:
			r.methodNotAllowed(w)
		}
	case len(parts) == 2 && parts[1] == "cancel":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		r.handleCancelDeployment(w, req, deploymentID)
	case len(parts) == 2 && parts[1] == "logs":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		r.handleDeploymentLogs(w, req, deploymentID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleGetDeployment(w http.ResponseWriter, req *http.Request, deploymentID string) {
	detail, err := r.engine.Get(req.Context(), deploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		r.logger.Error("get deployment failed", "deployment_id", deploymentID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load deployment")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (r *Router) handleDeleteDeployment(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if err := r.engine.Delete(req.Context(), deploymentID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		r.logger.Error("delete deployment failed", "deployment_id", deploymentID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete deployment")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (r *Router) handleCancelDeployment(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if err := r.engine.Cancel(req.Context(), deploymentID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (r *Router) handleDeploymentLogs(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if req.URL.Query().Get("type") == "runtime" {
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = 200
		}
		entries, err := r.logs.ListRuntime(req.Context(), deploymentID, limit)
		if err != nil {
			r.logger.Error("list runtime logs failed", "deployment_id", deploymentID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to load logs")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"logs": entries})
		return
	}
	entries, err := r.logs.List(req.Context(), deploymentID)
	if err != nil {
		r.logger.Error("list logs failed", "deployment_id", deploymentID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": entries})
}

func (r *Router) handleStreamWS(w http.ResponseWriter, req *http.Request) {
	deploymentID := req.URL.Query().Get("deployment_id")
	if deploymentID == "" {
		writeError(w, http.StatusBadRequest, "deployment_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.streamBuffer, r.logger)
	if err := r.logs.Subscribe(req.Context(), deploymentID, client); err != nil {
		r.logger.Error("stream subscribe failed", "deployment_id", deploymentID, "error", err)
		client.Close()
		return
	}
	go func() {
		client.ReadLoop()
		r.logs.Unsubscribe(deploymentID, client)
	}()
}

func (r *Router) handleStreamSSE(w http.ResponseWriter, req *http.Request) {
	deploymentID := req.URL.Query().Get("deployment_id")
	if deploymentID == "" {
		writeError(w, http.StatusBadRequest, "deployment_id query parameter required")
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
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	if err := r.logs.Subscribe(req.Context(), deploymentID, client); err != nil {
		r.logger.Error("stream subscribe failed", "deployment_id", deploymentID, "error", err)
		client.Close()
		return
	}
	defer r.logs.Unsubscribe(deploymentID, client)

	go client.RunHeartbeat(sseHeartbeat)
	select {
	case <-req.Context().Done():
		client.Close()
	case <-client.Done():
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	if r.dbHealth != nil {
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{"status": "down", "error": err.Error()}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	if err := r.engine.Health(ctx); err != nil {
		status = "degraded"
		components["docker"] = map[string]any{"status": "down", "error": err.Error()}
	} else {
		components["docker"] = map[string]any{"status": "up"}
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
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
		r.recordRequestMetrics(req.Method, req.URL.Path, status, duration)
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

// statusRecorder captures response status and size for the audit log while
// still supporting hijack (websocket upgrades) and flush (SSE).
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) Write(p []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(p)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if flusher, ok := sr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	if sr.status == 0 {
		sr.status = http.StatusSwitchingProtocols
	}
	return hijacker.Hijack()
}

func clientIP(req *http.Request) string {
	if fwd := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); fwd != "" {
		if idx := strings.IndexRune(fwd, ','); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
