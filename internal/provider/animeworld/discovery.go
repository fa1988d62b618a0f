package animeworld

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// The provider rotates domains. Discovery asks a remote directory first and
// probes a static candidate list only if that fails. The result is cached
// for the lifetime of the process; a discovery failure poisons the adapter's
// operations but never the process.
var fallbackDomains = []string{
	"www.animeworld.ac",
	"www.animeworld.so",
	"www.animeworld.tv",
}

type discovery struct {
	client       *http.Client
	directoryURL string

	mu     sync.Mutex
	cached string
}

// baseURL returns the provider root, resolving and caching it on first use.
func (d *discovery) baseURL(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cached != "" {
		return d.cached, nil
	}

	if d.directoryURL != "" {
		if domain, err := d.fromDirectory(ctx); err == nil {
			d.cached = "https://" + domain
			return d.cached, nil
		}
	}

	for _, domain := range fallbackDomains {
		if d.probe(ctx, domain) {
			d.cached = "https://" + domain
			return d.cached, nil
		}
	}

	return "", fmt.Errorf("no reachable provider domain")
}

// fromDirectory asks the remote directory service for the current domain.
func (d *discovery) fromDirectory(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.directoryURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("directory returned status %d", resp.StatusCode)
	}

	var payload struct {
		Domains []string `json:"domains"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	if len(payload.Domains) == 0 {
		return "", fmt.Errorf("directory returned no domains")
	}
	return payload.Domains[0], nil
}

// probe checks whether a candidate domain answers.
func (d *discovery) probe(ctx context.Context, domain string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, "https://"+domain+"/", nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 400
}
