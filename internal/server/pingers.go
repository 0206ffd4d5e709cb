package server

import (
	"context"
	"fmt"
	"net/http"
)

// HTTPPinger probes a dependency by issuing a GET request to a cheap,
// unauthenticated endpoint (e.g. Ollama's /api/tags). Any 2xx response
// counts as healthy. It satisfies the Pinger interface and is used by
// GET /api/ready. Probing an HTTP endpoint instead of issuing a Generate
// call keeps readiness checks free of token cost.
type HTTPPinger struct {
	// name identifies the dependency in readiness responses (e.g. "ollama").
	name string
	// url is the endpoint probed on every Ping call.
	url string
	// client is the HTTP client used for probes.
	client *http.Client
}

// NewHTTPPinger constructs an HTTPPinger for the given dependency name and URL.
func NewHTTPPinger(name, url string) *HTTPPinger {
	return &HTTPPinger{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: probeTimeout},
	}
}

// Name returns the dependency label used in readiness responses.
func (p *HTTPPinger) Name() string { return p.name }

// Ping issues a GET to the probe URL and reports non-2xx responses as errors.
func (p *HTTPPinger) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}
