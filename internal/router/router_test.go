package router

import (
	"testing"

	"council/internal/models"
)

type fakeCatalog struct {
	records map[string]*models.UnifiedModel
}

func (c *fakeCatalog) Lookup(modelID string) (*models.UnifiedModel, bool) {
	m, ok := c.records[modelID]
	return m, ok
}

type fakeFailLister struct {
	failed []string
}

func (f *fakeFailLister) ActiveFailList() []string {
	return f.failed
}

func testBoard() *models.Board {
	return &models.Board{
		CouncilMembers: []string{"m1", "m2", "m3"},
		Chairman:       "chair",
		Substitutes:    map[string]string{},
	}
}

func record(id string, caps models.Capabilities) *models.UnifiedModel {
	return &models.UnifiedModel{UnifiedID: id, BaseModelID: id, Capabilities: caps}
}

func TestResolve_PlainDraft(t *testing.T) {
	r := New(&fakeCatalog{records: map[string]*models.UnifiedModel{}}, &fakeFailLister{})

	got, err := r.Resolve(models.BlueprintTask{ID: "t1", Type: models.TaskDraft}, "m1", testBoard())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "m1" {
		t.Errorf("Resolve() = %q, want m1", got)
	}
}

// The router must never return a model on the active fail-list.
func TestResolve_FailListExclusion(t *testing.T) {
	catalog := &fakeCatalog{records: map[string]*models.UnifiedModel{
		"m1":  record("m1", models.Capabilities{}),
		"sub": record("sub", models.Capabilities{}),
	}}
	board := testBoard()
	board.Substitutes["m1"] = "sub"

	r := New(catalog, &fakeFailLister{failed: []string{"m1"}})
	got, err := r.Resolve(models.BlueprintTask{ID: "t1", Type: models.TaskDraft}, "m1", board)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "sub" {
		t.Errorf("Resolve() = %q, want substitute sub", got)
	}

	// Substitute fail-listed too: nothing remains
	r2 := New(catalog, &fakeFailLister{failed: []string{"m1", "sub"}})
	_, err = r2.Resolve(models.BlueprintTask{ID: "t1", Type: models.TaskDraft}, "m1", board)
	if err == nil {
		t.Fatal("Resolve() should fail when member and substitute are fail-listed")
	}
	if re, ok := err.(*ResolveError); !ok || re.Kind != ErrNoCapableModel {
		t.Errorf("error = %v, want kind %s", err, ErrNoCapableModel)
	}
}

func TestResolve_CapabilityFilter(t *testing.T) {
	catalog := &fakeCatalog{records: map[string]*models.UnifiedModel{
		"text-only": record("text-only", models.Capabilities{}),
		"vision":    record("vision", models.Capabilities{Vision: true}),
	}}
	board := testBoard()
	board.CouncilMembers = []string{"text-only"}
	board.Substitutes["text-only"] = "vision"

	r := New(catalog, &fakeFailLister{})
	visionTask := models.BlueprintTask{ID: "t1", Type: models.TaskVision}

	got, err := r.Resolve(visionTask, "text-only", board)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "vision" {
		t.Errorf("Resolve() = %q, want capable substitute vision", got)
	}
}

func TestResolve_RequiredSkills(t *testing.T) {
	catalog := &fakeCatalog{records: map[string]*models.UnifiedModel{
		"thinker": record("thinker", models.Capabilities{Reasoning: true, Tools: true}),
	}}
	r := New(catalog, &fakeFailLister{})

	task := models.BlueprintTask{ID: "t1", Type: models.TaskDraft, RequiredSkills: []string{"reasoning", "tools"}}
	if _, err := r.Resolve(task, "thinker", testBoard()); err != nil {
		t.Errorf("Resolve() error = %v, want capable model accepted", err)
	}

	task.RequiredSkills = append(task.RequiredSkills, "vision")
	if _, err := r.Resolve(task, "thinker", testBoard()); err == nil {
		t.Error("Resolve() accepted a model missing vision")
	}
}

// Models unknown to the catalog are usable for plain drafting only.
func TestResolve_UnknownModel(t *testing.T) {
	r := New(&fakeCatalog{records: map[string]*models.UnifiedModel{}}, &fakeFailLister{})

	if _, err := r.Resolve(models.BlueprintTask{ID: "t1", Type: models.TaskDraft}, "mystery", testBoard()); err != nil {
		t.Errorf("Resolve() error = %v, want unknown model accepted for draft", err)
	}
	if _, err := r.Resolve(models.BlueprintTask{ID: "t1", Type: models.TaskVision}, "mystery", testBoard()); err == nil {
		t.Error("Resolve() accepted an unknown model for a vision task")
	}
}

func TestResolveBoard_SkipsUnresolvable(t *testing.T) {
	catalog := &fakeCatalog{records: map[string]*models.UnifiedModel{}}
	board := testBoard()

	r := New(catalog, &fakeFailLister{failed: []string{"m2"}})
	resolved := r.ResolveBoard(board)

	want := []string{"m1", "m3"}
	if len(resolved) != 2 || resolved[0] != want[0] || resolved[1] != want[1] {
		t.Errorf("ResolveBoard() = %v, want %v", resolved, want)
	}
}

func TestRankVariants(t *testing.T) {
	fast, slow := 50.0, 900.0
	variants := []*models.UnifiedModel{
		{UnifiedID: "slow", LatencyMs: &slow, Cost: models.Cost{Cost1MTInputUSD: 1}},
		{UnifiedID: "unmeasured", Cost: models.Cost{Cost1MTInputUSD: 0.5}},
		{UnifiedID: "fast", LatencyMs: &fast, Cost: models.Cost{Cost1MTInputUSD: 2}},
	}

	ranked := RankVariants(variants)
	if ranked[0].UnifiedID != "fast" || ranked[1].UnifiedID != "slow" || ranked[2].UnifiedID != "unmeasured" {
		order := []string{ranked[0].UnifiedID, ranked[1].UnifiedID, ranked[2].UnifiedID}
		t.Errorf("RankVariants() order = %v, want [fast slow unmeasured]", order)
	}
}

func TestRankVariants_CostBreaksLatencyTie(t *testing.T) {
	l := 100.0
	cheap := &models.UnifiedModel{UnifiedID: "cheap", LatencyMs: &l, Cost: models.Cost{Cost1MTInputUSD: 0.1}}
	pricey := &models.UnifiedModel{UnifiedID: "pricey", LatencyMs: &l, Cost: models.Cost{Cost1MTInputUSD: 5}}

	ranked := RankVariants([]*models.UnifiedModel{pricey, cheap})
	if ranked[0].UnifiedID != "cheap" {
		t.Errorf("RankVariants() first = %q, want cheap", ranked[0].UnifiedID)
	}
}
