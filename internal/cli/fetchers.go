package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/vietddude/resilio/internal/control"
	"github.com/vietddude/resilio/internal/core/config"
	"github.com/vietddude/resilio/internal/preload"
)

// apiNamespaces are the journal resources the daemon serves. Each maps to
// GET {base_url}/{path}/{logical}.
var apiNamespaces = map[string]string{
	preload.NamespaceAccount:    "account",
	preload.NamespaceTrades:     "trades",
	preload.NamespaceStrategies: "strategies",
	preload.NamespaceCalendar:   "calendar",
	preload.NamespaceStats:      "stats",
	preload.NamespaceAnalytics:  "analytics",
	preload.NamespaceSettings:   "settings",
}

// registerAPIFetchers wires one HTTP fetcher per namespace. The core never
// sees the transport; it only gets these callbacks.
func registerAPIFetchers(app *control.Service, cfg config.APIConfig) {
	if cfg.BaseURL == "" {
		return
	}

	timeout := 30 * time.Second
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	client := &http.Client{Timeout: timeout}

	for namespace, path := range apiNamespaces {
		endpoint := cfg.BaseURL + "/" + path
		app.RegisterFetcher(namespace, func(ctx context.Context, logical string) (any, error) {
			return fetchJSON(ctx, client, endpoint+"/"+url.PathEscape(logical), cfg.AuthToken)
		})
	}
}

func fetchJSON(ctx context.Context, client *http.Client, rawURL, token string) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, rawURL, body)
	}

	var out any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}
