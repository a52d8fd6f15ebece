package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultFetchConcurrency = 8
	defaultFetchRate        = 15 // endpoint requests per second against the gateway
)

// RawCatalogModel is one verbatim catalog entry plus its extracted id
type RawCatalogModel struct {
	ID   string
	Name string
	Raw  json.RawMessage
}

// RawEndpointSet is the verbatim endpoints response for one base model
type RawEndpointSet struct {
	ModelID   string
	Count     int
	Raw       json.RawMessage // full response container, stored verbatim
	Endpoints []json.RawMessage
}

// Fetcher pulls the two raw catalogs from the provider gateway:
// the base-model list and, per base model, its hosting endpoints.
type Fetcher struct {
	baseURL     string
	apiKey      string
	http        *http.Client
	limiter     *rate.Limiter
	concurrency int
}

// NewFetcher creates a catalog fetcher for the gateway
func NewFetcher(baseURL, apiKey string) *Fetcher {
	return &Fetcher{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		http:        &http.Client{Timeout: 60 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(defaultFetchRate), defaultFetchRate),
		concurrency: defaultFetchConcurrency,
	}
}

// FetchCatalog fetches the base-model catalog (one call)
func (f *Fetcher) FetchCatalog(ctx context.Context) ([]RawCatalogModel, error) {
	body, err := f.get(ctx, "/models")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch model catalog: %w", err)
	}

	var envelope struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse model catalog: %w", err)
	}

	catalog := make([]RawCatalogModel, 0, len(envelope.Data))
	for _, raw := range envelope.Data {
		var head struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &head); err != nil || head.ID == "" {
			continue
		}
		catalog = append(catalog, RawCatalogModel{ID: head.ID, Name: head.Name, Raw: raw})
	}

	log.Printf("[UMR] Fetched %d base models from catalog", len(catalog))
	return catalog, nil
}

// FetchEndpoints fetches hosting endpoints for every base model, one
// call per model, with bounded concurrency and rate limiting. Failed
// individual fetches are logged and skipped; the sweep continues.
func (f *Fetcher) FetchEndpoints(ctx context.Context, modelIDs []string) ([]RawEndpointSet, error) {
	sem := make(chan struct{}, f.concurrency)
	results := make([]RawEndpointSet, len(modelIDs))
	errs := make([]error, len(modelIDs))
	done := make(chan int, len(modelIDs))

	for i, id := range modelIDs {
		go func(i int, id string) {
			sem <- struct{}{}
			defer func() { <-sem }()
			defer func() { done <- i }()

			if err := f.limiter.Wait(ctx); err != nil {
				errs[i] = err
				return
			}
			set, err := f.fetchEndpointSet(ctx, id)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = *set
		}(i, id)
	}

	for range modelIDs {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-done:
		}
	}

	out := make([]RawEndpointSet, 0, len(modelIDs))
	failed := 0
	for i := range results {
		if errs[i] != nil {
			failed++
			log.Printf("[UMR] Endpoint fetch failed for %s: %v", modelIDs[i], errs[i])
			continue
		}
		out = append(out, results[i])
	}

	log.Printf("[UMR] Fetched endpoints for %d/%d base models (%d failed)", len(out), len(modelIDs), failed)
	return out, nil
}

// fetchEndpointSet retrieves and unpacks one model's endpoint list.
// The gateway nests the list either directly under data or under
// data.endpoints; both shapes are handled, the container kept verbatim.
func (f *Fetcher) fetchEndpointSet(ctx context.Context, modelID string) (*RawEndpointSet, error) {
	body, err := f.get(ctx, "/models/"+modelID+"/endpoints")
	if err != nil {
		return nil, err
	}

	endpoints := extractEndpointList(body)
	return &RawEndpointSet{
		ModelID:   modelID,
		Count:     len(endpoints),
		Raw:       body,
		Endpoints: endpoints,
	}, nil
}

// extractEndpointList handles the gateway's two nesting shapes
func extractEndpointList(container json.RawMessage) []json.RawMessage {
	var direct struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(container, &direct); err == nil && len(direct.Data) > 0 {
		return direct.Data
	}

	var nested struct {
		Data struct {
			Endpoints []json.RawMessage `json:"endpoints"`
		} `json:"data"`
	}
	if err := json.Unmarshal(container, &nested); err == nil && len(nested.Data.Endpoints) > 0 {
		return nested.Data.Endpoints
	}

	return nil
}

func (f *Fetcher) get(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", f.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	return io.ReadAll(resp.Body)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
