// Package router selects concrete model variants for council tasks from
// capability requirements, honouring substitutions, the active fail-list
// and latency/cost tie-breaks.
package router

import (
	"fmt"
	"log"
	"sort"

	"council/internal/models"
)

// ErrNoCapableModel is the stable error kind surfaced when no candidate
// (member or substitute) covers a task's required capabilities.
const ErrNoCapableModel = "no_capable_model"

// ResolveError carries the stable error kind for user-visible failures
type ResolveError struct {
	Kind    string
	Message string
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Catalog looks up unified model records for routing decisions.
// Lookup accepts either a unified id ("openai/gpt-4o:deepinfra") or a
// base model id, in which case the best-known variant is returned.
type Catalog interface {
	Lookup(modelID string) (*models.UnifiedModel, bool)
}

// FailLister exposes the active fail-list consulted on every resolution
type FailLister interface {
	ActiveFailList() []string
}

// Router resolves board members to concrete, capable, non-failed models
type Router struct {
	catalog   Catalog
	failLists FailLister
}

// New creates a router over the given catalog and fail-list source
func New(catalog Catalog, failLists FailLister) *Router {
	return &Router{catalog: catalog, failLists: failLists}
}

// requiredCapabilities maps task skills/types onto capability flags
func requiredCapabilities(task models.BlueprintTask) []string {
	set := map[string]bool{}
	for _, s := range task.RequiredSkills {
		set[s] = true
	}
	switch task.Type {
	case models.TaskVision:
		set["vision"] = true
	case models.TaskAnalyze:
		set["reasoning"] = true
	case models.TaskCode:
		set["tools"] = true
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Resolve returns a concrete model id for one member and task.
//
//  1. The member is dropped if fail-listed.
//  2. The member must cover the task's required capabilities.
//  3. Otherwise the member's configured substitute is tried.
//  4. No candidate left → no_capable_model.
//
// Unknown models (not in the catalog) are assumed capable of plain
// drafting only; capability-demanding tasks reject them.
func (r *Router) Resolve(task models.BlueprintTask, member string, board *models.Board) (string, error) {
	required := requiredCapabilities(task)
	failed := toSet(r.failLists.ActiveFailList())

	if id, ok := r.candidate(member, required, failed); ok {
		return id, nil
	}

	if sub, hasSub := board.Substitutes[member]; hasSub && sub != "" {
		if id, ok := r.candidate(sub, required, failed); ok {
			log.Printf("[ROUTER] %s unavailable for task %s, using substitute %s", member, task.ID, sub)
			return id, nil
		}
	}

	return "", &ResolveError{
		Kind:    ErrNoCapableModel,
		Message: fmt.Sprintf("no capable model for member %s (task %s, requires %v)", member, task.ID, required),
	}
}

// ResolveChairman resolves the board's chairman for synthesis
func (r *Router) ResolveChairman(task models.BlueprintTask, board *models.Board) (string, error) {
	return r.Resolve(task, board.Chairman, board)
}

// ResolveBoard resolves all members for a generic draft task and returns
// them in stable member order — the anonymized order used in Stage 2.
// Members that cannot be resolved are omitted from the result; the
// engine applies its own quorum rules on the remainder.
func (r *Router) ResolveBoard(board *models.Board) []string {
	task := models.BlueprintTask{ID: "board", Type: models.TaskDraft}
	resolved := make([]string, 0, len(board.CouncilMembers))
	for _, member := range board.CouncilMembers {
		id, err := r.Resolve(task, member, board)
		if err != nil {
			log.Printf("[ROUTER] Board member %s skipped: %v", member, err)
			continue
		}
		resolved = append(resolved, id)
	}
	return resolved
}

// candidate checks one model against the fail-list and capability set.
// For a base model id, only the single variant the catalog's Lookup
// returns is checked; other variants of the same base model are not
// tried, and the id is returned as given.
func (r *Router) candidate(modelID string, required []string, failed map[string]bool) (string, bool) {
	if failed[modelID] {
		return "", false
	}

	record, known := r.catalog.Lookup(modelID)
	if !known {
		// Not in the catalog: usable for plain drafting only
		return modelID, len(required) == 0
	}
	if failed[record.UnifiedID] || failed[record.BaseModelID] {
		return "", false
	}
	if !record.HasCapabilities(required) {
		return "", false
	}
	return modelID, true
}

// RankVariants orders variants by lower latency_ms, then lower input
// cost; it does not check capabilities. The registry's Lookup does not
// call it and applies the same order with its own comparison.
func RankVariants(variants []*models.UnifiedModel) []*models.UnifiedModel {
	sorted := append([]*models.UnifiedModel(nil), variants...)
	sort.SliceStable(sorted, func(i, j int) bool {
		li, lj := latencyOf(sorted[i]), latencyOf(sorted[j])
		if li != lj {
			return li < lj
		}
		return sorted[i].Cost.Cost1MTInputUSD < sorted[j].Cost.Cost1MTInputUSD
	})
	return sorted
}

func latencyOf(m *models.UnifiedModel) float64 {
	if m.LatencyMs == nil {
		// Unmeasured variants sort after measured ones
		return 1 << 30
	}
	return *m.LatencyMs
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
