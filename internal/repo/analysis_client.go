package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/miradorstack/mirador-gateway/internal/correlation"
	"github.com/miradorstack/mirador-gateway/internal/models"
)

// AnalysisClient calls the downstream analysis services over JSON/HTTP.
type AnalysisClient struct {
	baseURL    string
	paths      map[models.ServiceName]string
	timeout    time.Duration
	httpClient *http.Client
}

// NewAnalysisClient constructs a client targeting the configured analysis backends.
// paths maps each domain to its endpoint path relative to baseURL. timeout is
// the deadline applied to calls whose context carries none; a context deadline
// always wins, so per-call timeouts may exceed it.
func NewAnalysisClient(baseURL string, paths map[models.ServiceName]string, timeout time.Duration) *AnalysisClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	copied := make(map[models.ServiceName]string, len(paths))
	for name, p := range paths {
		copied[name] = p
	}
	return &AnalysisClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		paths:      copied,
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

// Analyze runs one domain analysis and returns its opaque payload.
func (c *AnalysisClient) Analyze(ctx context.Context, service models.ServiceName, req models.OrchestrationRequest) (any, error) {
	if c == nil {
		return nil, fmt.Errorf("analysis client not initialised")
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("analysis base URL not configured")
	}
	p, ok := c.paths[service]
	if !ok {
		return nil, fmt.Errorf("no endpoint configured for service %s", service)
	}

	payload := map[string]interface{}{
		"projectId":    req.ProjectID,
		"tokenAddress": req.TokenAddress,
		"chainId":      req.ChainID,
		"options":      req.Options,
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var response map[string]any
	if err := c.postJSON(ctx, c.resolvePath(p), payload, &response); err != nil {
		return nil, fmt.Errorf("%s analysis request failed: %w", service, err)
	}
	if len(response) == 0 {
		return nil, fmt.Errorf("%s analysis returned an empty payload", service)
	}
	return response, nil
}

func (c *AnalysisClient) resolvePath(p string) string {
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *AnalysisClient) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if id := correlation.FromContext(ctx); id != "" {
		req.Header.Set(correlation.Header, id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("analysis service returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
