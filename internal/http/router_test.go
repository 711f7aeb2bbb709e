package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/autostack/autostack/internal/config"
	"github.com/autostack/autostack/internal/docker"
	"github.com/autostack/autostack/internal/domain"
	"github.com/autostack/autostack/internal/repository/memory"
	"github.com/autostack/autostack/internal/service/engine"
	"github.com/autostack/autostack/internal/service/logs"
	"github.com/autostack/autostack/internal/service/ports"
	"github.com/autostack/autostack/internal/workspace"
	"github.com/autostack/autostack/internal/ws"
)

// stubRuntime satisfies the engine's container surface without a daemon.
type stubRuntime struct{}

func (stubRuntime) Ping(context.Context) error { return nil }
func (stubRuntime) BuildImage(context.Context, string, string, map[string]*string, docker.BuildOutputFunc) error {
	return nil
}
func (stubRuntime) StartContainer(context.Context, docker.RunSpec) (string, error) { return "ctr", nil }
func (stubRuntime) StopContainer(context.Context, string, time.Duration) error     { return nil }
func (stubRuntime) RemoveContainer(context.Context, string) error                  { return nil }
func (stubRuntime) RemoveImage(context.Context, string) error                      { return nil }
func (stubRuntime) ContainerRunning(context.Context, string) (bool, error)         { return true, nil }
func (stubRuntime) WaitForStop(ctx context.Context, _ string) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

type stubProber struct{}

func (stubProber) Probe(_ context.Context, url string) docker.ProbeResult {
	return docker.ProbeResult{URL: url, HTTPStatus: 200, Live: true}
}

type routerHarness struct {
	router *Router
	repo   *memory.Repository
	logs   logs.Service
}

func newRouterHarness(t *testing.T, dbHealth func(context.Context) error) *routerHarness {
	t.Helper()
	repo := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	logSvc := logs.New(repo, ws.NewHub(), logger)

	wsMgr, err := workspace.New(filepath.Join(t.TempDir(), "builds"))
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	pub, err := workspace.NewPublisher(filepath.Join(t.TempDir(), "deploys"))
	if err != nil {
		t.Fatalf("workspace.NewPublisher: %v", err)
	}
	allocator, err := ports.New("127.0.0.1", 34700, 34709)
	if err != nil {
		t.Fatalf("ports.New: %v", err)
	}
	cfg := config.Config{
		BackendURL:   "http://localhost:8000",
		DockerEnable: false,
		GitTimeout:   5 * time.Second,
		BuildTimeout: 10 * time.Second,
	}
	stores := engine.Stores{Deployments: repo, Stages: repo, Containers: repo, Health: repo}
	engineSvc := engine.New(stores, logSvc, stubRuntime{}, stubProber{}, allocator, wsMgr, pub, cfg, logger)

	router := NewRouter(logger, engineSvc, logSvc, nil, dbHealth, pub.Root(), 16)
	t.Cleanup(router.Close)
	return &routerHarness{router: router, repo: repo, logs: logSvc}
}

func seedDeployment(t *testing.T, repo *memory.Repository, id, status string) {
	t.Helper()
	dep := &domain.Deployment{
		ID:        id,
		ProjectID: "proj-1",
		Status:    status,
		Branch:    "main",
		CreatedAt: time.Now().UTC(),
	}
	if err := repo.CreateDeployment(context.Background(), dep); err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return payload
}

func initGitFixture(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-q")
	run("symbolic-ref", "HEAD", "refs/heads/main")
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	run("add", ".")
	run("-c", "user.email=dev@example.com", "-c", "user.name=Dev", "commit", "-q", "-m", "initial")
	return dir
}

func TestClassifyEndpoint(t *testing.T) {
	h := newRouterHarness(t, nil)

	t.Run("node project", func(t *testing.T) {
		repoDir := initGitFixture(t, map[string]string{
			"package.json":      `{"name":"app","scripts":{"build":"true"}}`,
			"package-lock.json": `{}`,
		})
		body := `{"repo_url":` + strconv.Quote(repoDir) + `}`
		req := httptest.NewRequest(http.MethodPost, "/api/classify", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
		}
		payload := decodeBody(t, rec)
		if payload["runtime"] != "nodejs" || payload["lambda"] != false {
			t.Fatalf("unexpected payload: %v", payload)
		}
	})

	t.Run("missing repo_url", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/classify", strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("rejects GET", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/classify", nil)
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("status = %d, want 405", rec.Code)
		}
	})
}

func TestCreateDeploymentAccepted(t *testing.T) {
	h := newRouterHarness(t, nil)
	body := `{"project_id":"proj-1","repo_url":"/nonexistent/repo.git"}`
	req := httptest.NewRequest(http.MethodPost, "/api/deployments", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	if payload["deployment_id"] == "" || payload["status"] != domain.StatusQueued {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestCreateDeploymentRejectsBadInput(t *testing.T) {
	h := newRouterHarness(t, nil)

	t.Run("invalid json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/deployments", strings.NewReader("{"))
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("missing project id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/deployments", strings.NewReader(`{"repo_url":"x"}`))
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPut, "/api/deployments", nil)
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("status = %d, want 405", rec.Code)
		}
	})
}

func TestListDeployments(t *testing.T) {
	h := newRouterHarness(t, nil)
	seedDeployment(t, h.repo, "dep-1", domain.StatusSuccess)
	seedDeployment(t, h.repo, "dep-2", domain.StatusFailed)

	t.Run("requires project id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/deployments", nil)
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("lists by project", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/deployments?project_id=proj-1", nil)
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		payload := decodeBody(t, rec)
		deployments, ok := payload["deployments"].([]any)
		if !ok || len(deployments) != 2 {
			t.Fatalf("expected 2 deployments, got %v", payload["deployments"])
		}
	})
}

func TestGetDeployment(t *testing.T) {
	h := newRouterHarness(t, nil)
	seedDeployment(t, h.repo, "dep-1", domain.StatusSuccess)

	t.Run("found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/deployments/dep-1", nil)
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
		}
		payload := decodeBody(t, rec)
		deployment, ok := payload["deployment"].(map[string]any)
		if !ok || deployment["ID"] != "dep-1" {
			t.Fatalf("unexpected detail payload: %v", payload)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/deployments/nope", nil)
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})
}

func TestCancelDeploymentConflict(t *testing.T) {
	h := newRouterHarness(t, nil)
	seedDeployment(t, h.repo, "dep-done", domain.StatusSuccess)

	req := httptest.NewRequest(http.MethodPost, "/api/deployments/dep-done/cancel", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/deployments/missing/cancel", nil)
	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDeploymentLogs(t *testing.T) {
	h := newRouterHarness(t, nil)
	seedDeployment(t, h.repo, "dep-1", domain.StatusSuccess)
	ctx := context.Background()
	if err := h.logs.Append(ctx, "dep-1", "info", "system", "build line"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := h.logs.AppendRuntime(ctx, "dep-1", "stdout", "runtime line", time.Now()); err != nil {
		t.Fatalf("AppendRuntime: %v", err)
	}

	t.Run("build logs", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/deployments/dep-1/logs", nil)
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "build line") {
			t.Fatalf("missing build line: %s", rec.Body.String())
		}
	})

	t.Run("runtime logs", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/deployments/dep-1/logs?type=runtime", nil)
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "runtime line") {
			t.Fatalf("missing runtime line: %s", rec.Body.String())
		}
	})
}

func TestHealthz(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		h := newRouterHarness(t, func(context.Context) error { return nil })
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
		}
		payload := decodeBody(t, rec)
		if payload["status"] != "ok" {
			t.Fatalf("status field = %v", payload["status"])
		}
	})

	t.Run("database down", func(t *testing.T) {
		h := newRouterHarness(t, func(context.Context) error { return errors.New("connection refused") })
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", rec.Code)
		}
		payload := decodeBody(t, rec)
		if payload["status"] != "degraded" {
			t.Fatalf("status field = %v", payload["status"])
		}
	})
}

func TestRateLimitExceeded(t *testing.T) {
	h := newRouterHarness(t, nil)
	seedDeployment(t, h.repo, "dep-1", domain.StatusSuccess)

	var last *httptest.ResponseRecorder
	for i := 0; i <= rateLimitWrite; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/deployments?project_id=proj-1", nil)
		req.RemoteAddr = "10.0.0.9:1234"
		last = httptest.NewRecorder()
		h.router.ServeHTTP(last, req)
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("request %d status = %d, want 429", rateLimitWrite+1, last.Code)
	}
	if last.Header().Get("X-RateLimit-Limit") == "" {
		t.Fatal("missing X-RateLimit-Limit header")
	}
	if last.Header().Get("X-RateLimit-Reset") == "" {
		t.Fatal("missing X-RateLimit-Reset header")
	}
	if last.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("remaining = %q, want 0", last.Header().Get("X-RateLimit-Remaining"))
	}

	// A different client is unaffected.
	req := httptest.NewRequest(http.MethodGet, "/api/deployments?project_id=proj-1", nil)
	req.RemoteAddr = "10.0.0.10:1234"
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("fresh client status = %d, want 200", rec.Code)
	}
}

func TestStreamSSEDeliversHistory(t *testing.T) {
	h := newRouterHarness(t, nil)
	seedDeployment(t, h.repo, "dep-1", domain.StatusSuccess)
	if err := h.logs.Append(context.Background(), "dep-1", "info", "system", "hello stream"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	server := httptest.NewServer(h.router)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/events/deployments?deployment_id=dep-1", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	var dataLine string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			break
		}
	}

	var event struct {
		Type string   `json:"type"`
		Logs []string `json:"logs"`
	}
	if err := json.Unmarshal([]byte(dataLine), &event); err != nil {
		t.Fatalf("decode event %q: %v", dataLine, err)
	}
	if event.Type != logs.EventHistory {
		t.Fatalf("first event type = %q, want history", event.Type)
	}
	if len(event.Logs) != 1 || event.Logs[0] != "hello stream" {
		t.Fatalf("history logs = %v", event.Logs)
	}
	cancel()
}

func TestStreamRequiresDeploymentID(t *testing.T) {
	h := newRouterHarness(t, nil)
	for _, path := range []string{"/events/deployments", "/ws/deployments"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s status = %d, want 400", path, rec.Code)
		}
	}
}
