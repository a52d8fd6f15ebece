// Package registry is the Unified Model Registry: it mirrors the
// provider gateway's base-model and endpoint catalogs into two raw
// tables and merges them, endpoint-first, into queryable unified
// records with verbatim provenance snapshots.
package registry

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"council/internal/models"

	cache "github.com/patrickmn/go-cache"
)

// latencyAlpha is the EWMA weight for run-latency samples
const latencyAlpha = 0.3

// Service owns the registry lifecycle: refresh, reprocess, queries and
// latency bookkeeping. Refresh takes the write lock; readers see the
// previous snapshot until the swap commits.
type Service struct {
	mu      sync.RWMutex
	store   *Store
	fetcher *Fetcher
	cache   *cache.Cache // query cache, flushed on refresh
}

// NewService creates the registry service
func NewService(store *Store, fetcher *Fetcher) *Service {
	return &Service{
		store:   store,
		fetcher: fetcher,
		cache:   cache.New(10*time.Minute, 5*time.Minute),
	}
}

// Refresh performs the full dual-fetch + merge cycle:
// fetch catalog, fetch per-model endpoints, swap the raw tables in
// atomically, then rebuild the unified table from the new snapshot.
func (s *Service) Refresh(ctx context.Context) (int, error) {
	log.Println("[UMR] Starting model refresh...")

	catalog, err := s.fetcher.FetchCatalog(ctx)
	if err != nil {
		return 0, err
	}

	ids := make([]string, len(catalog))
	for i, m := range catalog {
		ids[i] = m.ID
	}

	endpoints, err := s.fetcher.FetchEndpoints(ctx, ids)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.ReplaceRawTables(catalog, endpoints); err != nil {
		return 0, fmt.Errorf("raw table swap failed: %w", err)
	}

	count, err := s.reprocessLocked()
	if err != nil {
		return 0, err
	}

	s.cache.Flush()
	log.Printf("[UMR] Refresh complete: %d unified models", count)
	return count, nil
}

// Reprocess rebuilds the unified table from the stored raw snapshot
// without refetching. Because the merge is pure over the snapshots,
// reprocessing is idempotent: unchanged raw rows yield unchanged
// unified rows (modulo updated_at).
func (s *Service) Reprocess(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count, err := s.reprocessLocked()
	if err == nil {
		s.cache.Flush()
	}
	return count, err
}

func (s *Service) reprocessLocked() (int, error) {
	baseModels, endpointSets, err := s.store.LoadRawTables()
	if err != nil {
		return 0, err
	}

	keep := make(map[string]bool)
	count := 0

	for _, set := range endpointSets {
		baseJSON, ok := baseModels[set.ModelID]
		if !ok {
			log.Printf("[UMR] No base model for %s, skipping", set.ModelID)
			continue
		}

		if len(set.Endpoints) == 0 {
			// No hosting endpoints reported: the gateway itself routes the
			// model, so synthesize a minimal endpoint from base data.
			row, err := MergeEndpointFirst(baseJSON, []byte(`{"provider_name":"OpenRouter"}`))
			if err != nil {
				log.Printf("[UMR] Merge failed for %s (routed): %v", set.ModelID, err)
				continue
			}
			if keep[row.UnifiedID] {
				continue
			}
			if err := s.store.UpsertUnified(row); err != nil {
				log.Printf("[UMR] Upsert failed for %s: %v", row.UnifiedID, err)
				continue
			}
			keep[row.UnifiedID] = true
			count++
			continue
		}

		for _, epJSON := range set.Endpoints {
			row, err := MergeEndpointFirst(baseJSON, epJSON)
			if err != nil {
				log.Printf("[UMR] Merge failed for %s: %v", set.ModelID, err)
				continue
			}
			// Duplicate (model, provider) pairs collapse onto one row
			if keep[row.UnifiedID] {
				continue
			}
			if err := s.store.UpsertUnified(row); err != nil {
				log.Printf("[UMR] Upsert failed for %s: %v", row.UnifiedID, err)
				continue
			}
			keep[row.UnifiedID] = true
			count++
		}
	}

	stale, err := s.store.DeleteUnifiedNotIn(keep)
	if err != nil {
		return count, fmt.Errorf("stale row cleanup failed: %w", err)
	}
	if stale > 0 {
		log.Printf("[UMR] Removed %d stale unified rows", stale)
	}

	return count, nil
}

// Get returns one unified model by unified id
func (s *Service) Get(unifiedID string) (*models.UnifiedModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.GetUnified(unifiedID)
}

// ListBaseModels lists distinct base models with variant counts
func (s *Service) ListBaseModels(filter string, limit int) ([]models.BaseModelSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all, err := s.store.ListBaseModels(0)
	if err != nil {
		return nil, err
	}
	if filter == "" {
		if limit > 0 && len(all) > limit {
			all = all[:limit]
		}
		return all, nil
	}

	needle := strings.ToLower(filter)
	var out []models.BaseModelSummary
	for _, m := range all {
		if strings.Contains(strings.ToLower(m.BaseModelID), needle) ||
			strings.Contains(strings.ToLower(m.BaseModelName), needle) ||
			strings.Contains(strings.ToLower(m.DeveloperID), needle) {
			out = append(out, m)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// ListVariants lists the unified variants of one base model
func (s *Service) ListVariants(baseModelID string) ([]*models.UnifiedModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.ListVariants(baseModelID)
}

// ListAll returns the whole unified catalog (cached between refreshes)
func (s *Service) ListAll() ([]*models.UnifiedModel, error) {
	if cached, found := s.cache.Get("all"); found {
		return cached.([]*models.UnifiedModel), nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	all, err := s.store.ListUnified()
	if err != nil {
		return nil, err
	}
	s.cache.Set("all", all, cache.DefaultExpiration)
	return all, nil
}

// Lookup implements router.Catalog: a unified id resolves directly;
// a base model id resolves to its best variant by latency then cost.
func (s *Service) Lookup(modelID string) (*models.UnifiedModel, bool) {
	if m, err := s.Get(modelID); err == nil {
		return m, true
	}

	variants, err := s.ListVariants(modelID)
	if err != nil || len(variants) == 0 {
		return nil, false
	}

	best := variants[0]
	for _, v := range variants[1:] {
		if better(v, best) {
			best = v
		}
	}
	return best, true
}

func better(a, b *models.UnifiedModel) bool {
	la, lb := latencyOrMax(a), latencyOrMax(b)
	if la != lb {
		return la < lb
	}
	return a.Cost.Cost1MTInputUSD < b.Cost.Cost1MTInputUSD
}

func latencyOrMax(m *models.UnifiedModel) float64 {
	if m.LatencyMs == nil {
		return 1 << 30
	}
	return *m.LatencyMs
}

// RecordRunLatency folds one completed council-run sample into the
// model's rolling average (EWMA, alpha 0.3).
func (s *Service) RecordRunLatency(unifiedID string, sampleMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.store.GetUnified(unifiedID)
	if err != nil {
		return // model ids outside the catalog carry no latency state
	}

	updated := sampleMs
	if current.LatencyMs != nil {
		updated = latencyAlpha*sampleMs + (1-latencyAlpha)**current.LatencyMs
	}

	if err := s.store.UpdateRunLatency(unifiedID, updated, time.Now().UTC()); err != nil {
		log.Printf("[UMR] Failed to record run latency for %s: %v", unifiedID, err)
	}
}

// RecordLiveProbe overwrites the model's single-probe latency
func (s *Service) RecordLiveProbe(unifiedID string, sampleMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.UpdateLiveLatency(unifiedID, sampleMs, time.Now().UTC()); err != nil {
		log.Printf("[UMR] Failed to record live latency for %s: %v", unifiedID, err)
	}
}

// Search scores models against a query string across naming fields,
// capability names, with a small boost for free models.
func (s *Service) Search(query string, limit int) ([]*models.UnifiedModel, error) {
	all, err := s.ListAll()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		if len(all) > limit {
			all = all[:limit]
		}
		return all, nil
	}

	type scored struct {
		score float64
		model *models.UnifiedModel
	}
	var results []scored
	for _, m := range all {
		score := searchScore(query, m)
		if score > 0 {
			results = append(results, scored{score, m})
		}
	}

	// Highest score first; catalog order breaks ties
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].score > results[j-1].score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}

	out := make([]*models.UnifiedModel, 0, limit)
	for _, r := range results {
		out = append(out, r.model)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func searchScore(query string, m *models.UnifiedModel) float64 {
	fields := []struct {
		content string
		weight  float64
	}{
		{m.PrintName1, 10.0},
		{m.PrintNamePart1, 8.0},
		{m.BaseModelName, 6.0},
		{m.DeveloperID, 4.0},
		{m.VariantName, 3.0},
	}

	score := 0.0
	for _, f := range fields {
		content := strings.ToLower(f.content)
		switch {
		case content == query:
			score += f.weight * 2
		case strings.HasPrefix(content, query):
			score += f.weight * 1.5
		case strings.Contains(content, query):
			score += f.weight
		}
	}

	for name, has := range map[string]bool{
		"tools": m.Capabilities.Tools, "vision": m.Capabilities.Vision,
		"reasoning": m.Capabilities.Reasoning, "thinking": m.Capabilities.Thinking,
		"json_mode": m.Capabilities.JSONMode,
	} {
		if has && strings.Contains(name, query) {
			score += 2.0
		}
	}

	if m.Cost.IsFree {
		score += 1.0
	}
	return score
}

// Stats summarizes the unified catalog
func (s *Service) Stats() (*models.CatalogStats, error) {
	all, err := s.ListAll()
	if err != nil {
		return nil, err
	}
	baseModels, err := s.ListBaseModels("", 0)
	if err != nil {
		return nil, err
	}

	stats := &models.CatalogStats{
		TotalModels:     len(all),
		TotalBaseModels: len(baseModels),
		ProviderCounts:  map[string]int{},
		Capabilities:    map[string]int{},
		LastUpdated:     time.Now().UTC(),
	}

	var latencySum float64
	var latencyCount int
	for _, m := range all {
		stats.ProviderCounts[m.HostingProviderID]++
		if m.Cost.IsFree {
			stats.FreeModels++
		}
		if m.Capabilities.Tools {
			stats.Capabilities["tools"]++
		}
		if m.Capabilities.Vision {
			stats.Capabilities["vision"]++
		}
		if m.Capabilities.Reasoning {
			stats.Capabilities["reasoning"]++
		}
		if m.Capabilities.Thinking {
			stats.Capabilities["thinking"]++
		}
		if m.Capabilities.JSONMode {
			stats.Capabilities["json_mode"]++
		}
		if m.LatencyMs != nil {
			latencySum += *m.LatencyMs
			latencyCount++
		}
	}
	if latencyCount > 0 {
		avg := latencySum / float64(latencyCount)
		stats.AverageLatency = &avg
	}

	return stats, nil
}
