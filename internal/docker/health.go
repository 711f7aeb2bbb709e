package docker

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// ProbeResult captures the outcome of one HTTP liveness probe.
type ProbeResult struct {
	URL        string
	HTTPStatus int
	Latency    time.Duration
	Live       bool
	Err        error
}

// Prober issues HTTP GET probes against freshly started containers.
type Prober struct {
	client *http.Client
}

// NewProber returns a Prober whose individual requests time out after
// attemptTimeout.
func NewProber(attemptTimeout time.Duration) *Prober {
	return &Prober{client: &http.Client{Timeout: attemptTimeout}}
}

// Probe issues a single GET and reports status and latency. Any 2xx or 3xx
// response counts as live; connection errors and 5xx do not.
func (p *Prober) Probe(ctx context.Context, url string) ProbeResult {
	result := ProbeResult{URL: url}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		result.Err = fmt.Errorf("build probe request: %w", err)
		return result
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	result.Latency = time.Since(start)
	if err != nil {
		result.Err = err
		return result
	}
	defer resp.Body.Close()

	result.HTTPStatus = resp.StatusCode
	result.Live = resp.StatusCode >= 200 && resp.StatusCode < 400
	return result
}
