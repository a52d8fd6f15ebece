package council

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"council/internal/database"
	"council/internal/models"
	"council/internal/provider"
	"council/internal/router"
	"council/internal/services"
)

// fakeClient scripts provider behavior by inspecting the prompts the
// engine builds: planner, member, judge, chairman and title calls are
// all distinguishable by their system/user content.
type fakeClient struct {
	mu            sync.Mutex
	blueprintJSON string            // reply to the planner; empty = single draft task
	memberErrors  map[string]error  // per-model failures for member draft calls
	judgeReplies  map[string]string // per-model ranking text; default full A>B>C ordering
	chairmanReply string            // reply to the synthesis call
	chairmanErr   error             // failure injected into every synthesis call
	calls         []string          // model ids in call order
}

func (c *fakeClient) Complete(ctx context.Context, modelID string, messages []provider.ChatMessage, params provider.CompletionParams, timeout time.Duration) (*provider.Completion, error) {
	c.mu.Lock()
	c.calls = append(c.calls, modelID)
	c.mu.Unlock()

	system := ""
	user := ""
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "user":
			user = m.Content
		}
	}

	switch {
	case strings.Contains(system, "Strategic Planner"):
		if c.blueprintJSON != "" {
			return &provider.Completion{Content: c.blueprintJSON, FinishReason: "stop"}, nil
		}
		return &provider.Completion{Content: `{"tasks":[{"id":"t1","type":"draft","label":"answer the query"}]}`, FinishReason: "stop"}, nil

	case strings.Contains(system, "critical judge"):
		if reply, ok := c.judgeReplies[modelID]; ok {
			return &provider.Completion{Content: reply, FinishReason: "stop"}, nil
		}
		return &provider.Completion{Content: "Ranking: Response A > Response B > Response C", FinishReason: "stop"}, nil

	case strings.Contains(system, "Chairman of the LLM Council"):
		if c.chairmanErr != nil {
			return nil, c.chairmanErr
		}
		if c.chairmanReply != "" {
			return &provider.Completion{Content: c.chairmanReply, FinishReason: "stop"}, nil
		}
		return &provider.Completion{Content: "Building on the preferred response: the final answer.", FinishReason: "stop"}, nil

	case strings.Contains(user, "Generate a very short title"):
		return &provider.Completion{Content: "Test Title", FinishReason: "stop"}, nil

	default: // member draft
		if err, ok := c.memberErrors[modelID]; ok && err != nil {
			return nil, err
		}
		return &provider.Completion{
			Content:      "draft from " + modelID,
			FinishReason: "stop",
			Usage:        models.TokenUsage{TotalTokens: 10},
		}, nil
	}
}

type emptyCatalog struct{}

func (emptyCatalog) Lookup(modelID string) (*models.UnifiedModel, bool) { return nil, false }

type noFailList struct{}

func (noFailList) ActiveFailList() []string { return nil }

type engineFixture struct {
	engine *Engine
	client *fakeClient
	convs  *services.ConversationService
	bus    *services.EventBus
	convID string
}

func testConfig() models.CouncilConfig {
	return models.CouncilConfig{
		CouncilModels:      []string{"M1", "M2", "M3"},
		ChairmanModel:      "C",
		ConsensusStrategy:  models.StrategyBordaCount,
		ResponseTimeoutS:   10,
		SubstituteModels:   map[string]string{},
		ModelPersonalities: map[string]string{},
	}
}

func newFixture(t *testing.T, client *fakeClient, cfg models.CouncilConfig) *engineFixture {
	t.Helper()

	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Initialize(); err != nil {
		t.Fatalf("initialize schema: %v", err)
	}

	convs := services.NewConversationService(db)
	boards := services.NewBoardService(db)
	audit := services.NewAuditService(db)
	bus := services.NewEventBus(256)

	engine := NewEngine(
		client,
		router.New(emptyCatalog{}, noFailList{}),
		nil,
		convs,
		boards,
		bus,
		audit,
		func() models.CouncilConfig { return cfg },
	)

	conv, err := convs.Create("")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	return &engineFixture{engine: engine, client: client, convs: convs, bus: bus, convID: conv.ID}
}

// drainEvents drains a subscription without blocking
func drainEvents(ch <-chan models.CouncilEvent) []models.CouncilEvent {
	var out []models.CouncilEvent
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func stageEventTypes(events []models.CouncilEvent) []string {
	var out []string
	for _, e := range events {
		switch e.Type {
		case models.EventLog, models.EventSessionState, models.EventTitleComplete:
			continue
		default:
			out = append(out, e.Type)
		}
	}
	return out
}

func lastAssistant(t *testing.T, fx *engineFixture) models.Message {
	t.Helper()
	messages, err := fx.convs.Messages(fx.convID)
	if err != nil {
		t.Fatalf("load messages: %v", err)
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleAssistant {
			return messages[i]
		}
	}
	t.Fatal("no assistant message found")
	return models.Message{}
}

// Scenario: board of 3, Borda strategy. The run must emit the stage
// events in protocol order, pause for human review, and record the
// blinded label mapping.
func TestRunCouncil_HappyPathBorda(t *testing.T) {
	fx := newFixture(t, &fakeClient{}, testConfig())
	events := fx.bus.Subscribe(fx.convID, "test", 256)

	if err := fx.engine.RunCouncil(context.Background(), fx.convID, "Define eventual consistency.", ""); err != nil {
		t.Fatalf("RunCouncil() error = %v", err)
	}

	got := stageEventTypes(drainEvents(events))
	want := []string{
		models.EventStage1Start, models.EventStage1Complete,
		models.EventStage2Start, models.EventStage2Complete,
		models.EventStage3Start, models.EventStage3Complete,
		models.EventHumanInputRequired,
	}
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}

	state, err := fx.convs.GetSessionState(fx.convID)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if state.Status != models.StatusAwaitingHuman {
		t.Errorf("status = %s, want awaiting_human", state.Status)
	}

	msg := lastAssistant(t, fx)
	if !msg.Finalized {
		t.Error("assistant message should be finalized after stage 3")
	}
	if msg.RevisionIndex != 0 {
		t.Errorf("revision index = %d, want 0", msg.RevisionIndex)
	}
	if len(msg.Stage1) != 3 {
		t.Errorf("drafts = %d, want 3", len(msg.Stage1))
	}

	wantLabels := map[string]string{"A": "M1", "B": "M2", "C": "M3"}
	for label, model := range wantLabels {
		if msg.Metadata.LabelToModel[label] != model {
			t.Errorf("label_to_model[%s] = %s, want %s", label, msg.Metadata.LabelToModel[label], model)
		}
	}
	if msg.Metadata.Consensus == nil || msg.Metadata.Consensus.Winner != "A" {
		t.Errorf("consensus = %+v, want winner A", msg.Metadata.Consensus)
	}

	title, _ := fx.convs.Get(fx.convID)
	if title.Title != "Test Title" {
		t.Errorf("title = %q, want Test Title", title.Title)
	}
}

// Scenario: quorum lost. All three members fail permanently: the session
// must end failed with council_quorum_lost and emit no stage2 events.
func TestRunCouncil_QuorumLost(t *testing.T) {
	client := &fakeClient{
		memberErrors: map[string]error{
			"M1": provider.ClassifyHTTPError(401, "bad key"),
			"M2": provider.ClassifyHTTPError(404, "no such model"),
			"M3": provider.ClassifyHTTPError(400, "rejected"),
		},
	}
	fx := newFixture(t, client, testConfig())
	events := fx.bus.Subscribe(fx.convID, "test", 256)

	err := fx.engine.RunCouncil(context.Background(), fx.convID, "query", "")
	if err == nil {
		t.Fatal("RunCouncil() should fail when the quorum is lost")
	}
	if KindOf(err) != KindQuorumLost {
		t.Errorf("error kind = %s, want %s", KindOf(err), KindQuorumLost)
	}

	got := stageEventTypes(drainEvents(events))
	for _, typ := range got {
		if strings.HasPrefix(typ, "stage2") || strings.HasPrefix(typ, "stage3") {
			t.Errorf("stage event %s emitted after quorum loss", typ)
		}
	}
	if got[len(got)-1] != models.EventError {
		t.Errorf("final event = %s, want error", got[len(got)-1])
	}

	state, _ := fx.convs.GetSessionState(fx.convID)
	if state.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed", state.Status)
	}
}

// Scenario: substitute activation. M2 fails permanently; its
// substitute answers and the ranking still uses three labels.
func TestRunCouncil_SubstituteActivation(t *testing.T) {
	cfg := testConfig()
	cfg.SubstituteModels = map[string]string{"M2": "M2sub"}

	client := &fakeClient{
		memberErrors: map[string]error{
			"M2": provider.ClassifyHTTPError(401, "revoked"),
		},
	}
	fx := newFixture(t, client, cfg)

	if err := fx.engine.RunCouncil(context.Background(), fx.convID, "query", ""); err != nil {
		t.Fatalf("RunCouncil() error = %v", err)
	}

	msg := lastAssistant(t, fx)
	if len(msg.Stage1) != 3 {
		t.Fatalf("drafts = %d, want 3 (substitute fills the seat)", len(msg.Stage1))
	}
	if len(msg.Metadata.SubstitutesUsed) != 1 || msg.Metadata.SubstitutesUsed[0] != "M2→M2sub" {
		t.Errorf("substitutes_used = %v, want [M2→M2sub]", msg.Metadata.SubstitutesUsed)
	}
	if len(msg.Metadata.LabelToModel) != 3 {
		t.Errorf("label mapping = %v, want 3 labels", msg.Metadata.LabelToModel)
	}
}

// Scenario: breakpoint + revision. A two-task blueprint pauses after
// t1; continuing with feedback produces revision 1 on task t2.
func TestRunCouncil_BreakpointAndRevision(t *testing.T) {
	client := &fakeClient{
		blueprintJSON: `{"tasks":[
			{"id":"t1","type":"draft","label":"first pass","breakpoint":true},
			{"id":"t2","type":"refine","label":"refine the answer"}
		]}`,
	}
	fx := newFixture(t, client, testConfig())

	if err := fx.engine.RunCouncil(context.Background(), fx.convID, "Analyze the costs.", ""); err != nil {
		t.Fatalf("RunCouncil() error = %v", err)
	}

	state, _ := fx.convs.GetSessionState(fx.convID)
	if state.Status != models.StatusAwaitingHuman {
		t.Fatalf("status = %s, want awaiting_human at the breakpoint", state.Status)
	}
	if state.CurrentTaskIndex != 0 {
		t.Fatalf("cursor = %d, want 0 before approval", state.CurrentTaskIndex)
	}

	fb := models.HumanFeedback{Feedback: "expand on costs", ContinueDiscussion: true}
	if err := fx.engine.SubmitHumanFeedback(context.Background(), fx.convID, fb, ""); err != nil {
		t.Fatalf("SubmitHumanFeedback() error = %v", err)
	}

	state, _ = fx.convs.GetSessionState(fx.convID)
	if state.CurrentTaskIndex != 1 {
		t.Errorf("cursor = %d, want 1 after approval", state.CurrentTaskIndex)
	}
	if state.Status != models.StatusAwaitingHuman {
		t.Errorf("status = %s, want awaiting_human after t2", state.Status)
	}

	msg := lastAssistant(t, fx)
	if msg.RevisionIndex != 1 {
		t.Errorf("revision index = %d, want 1", msg.RevisionIndex)
	}

	// Ending the discussion completes the session and accepts a rating
	end := models.HumanFeedback{Feedback: "looks good", ContinueDiscussion: false}
	if err := fx.engine.SubmitHumanFeedback(context.Background(), fx.convID, end, ""); err != nil {
		t.Fatalf("SubmitHumanFeedback(end) error = %v", err)
	}
	state, _ = fx.convs.GetSessionState(fx.convID)
	if state.Status != models.StatusComplete {
		t.Errorf("status = %s, want complete", state.Status)
	}
	if err := fx.engine.Rate(fx.convID, 5); err != nil {
		t.Errorf("Rate() error = %v", err)
	}
}

// Feedback against a session that is not awaiting human input is a
// client error and never advances the pipeline.
func TestSubmitHumanFeedback_InvalidState(t *testing.T) {
	fx := newFixture(t, &fakeClient{}, testConfig())

	fb := models.HumanFeedback{Feedback: "hello", ContinueDiscussion: true}
	err := fx.engine.SubmitHumanFeedback(context.Background(), fx.convID, fb, "")
	if err == nil {
		t.Fatal("feedback on a fresh session should be rejected")
	}
	if KindOf(err) != KindInvalidState {
		t.Errorf("error kind = %s, want %s", KindOf(err), KindInvalidState)
	}

	messages, _ := fx.convs.Messages(fx.convID)
	if len(messages) != 0 {
		t.Errorf("rejected feedback still wrote %d messages", len(messages))
	}
}

// Scenario: Chairman-Cut. The chairman names Response B; the metadata
// must carry that pick as the consensus winner.
func TestRunCouncil_ChairmanCut(t *testing.T) {
	cfg := testConfig()
	cfg.ConsensusStrategy = models.StrategyChairmanCut

	client := &fakeClient{
		chairmanReply: "Winner: Response B\n\nThe final answer builds on Response B with additions from the others.",
	}
	fx := newFixture(t, client, cfg)

	if err := fx.engine.RunCouncil(context.Background(), fx.convID, "query", ""); err != nil {
		t.Fatalf("RunCouncil() error = %v", err)
	}

	msg := lastAssistant(t, fx)
	if msg.Metadata.Consensus == nil {
		t.Fatal("consensus metadata missing")
	}
	if msg.Metadata.Consensus.Winner != "B" {
		t.Errorf("consensus winner = %s, want B", msg.Metadata.Consensus.Winner)
	}
	if msg.Metadata.Consensus.Strategy != models.StrategyChairmanCut {
		t.Errorf("strategy = %s, want chairman_cut", msg.Metadata.Consensus.Strategy)
	}
}

// Chairman failure in Stage 3 must not fail the run: after one retry
// the Borda winner's draft is emitted with the fallback marker.
func TestRunCouncil_ChairmanFallback(t *testing.T) {
	client := &fakeClient{
		chairmanErr: provider.ClassifyHTTPError(500, "chairman down"),
	}
	fx := newFixture(t, client, testConfig())

	if err := fx.engine.RunCouncil(context.Background(), fx.convID, "query", ""); err != nil {
		t.Fatalf("RunCouncil() error = %v", err)
	}

	msg := lastAssistant(t, fx)
	if msg.Stage3 == nil || !msg.Stage3.Fallback {
		t.Fatalf("stage3 = %+v, want fallback marker", msg.Stage3)
	}
	if !msg.Metadata.ChairmanFallback {
		t.Error("metadata.chairman_fallback should be set")
	}
	// Borda winner is A = M1's draft
	if msg.Stage3.Response != "draft from M1" {
		t.Errorf("fallback response = %q, want the Borda winner's draft", msg.Stage3.Response)
	}

	state, _ := fx.convs.GetSessionState(fx.convID)
	if state.Status != models.StatusAwaitingHuman {
		t.Errorf("status = %s, want awaiting_human (fallback is absorbed)", state.Status)
	}
}

// A malformed judge reply is discarded; with two valid ballots of
// three the quorum holds and the discard is counted.
func TestRunCouncil_MalformedBallotDiscarded(t *testing.T) {
	client := &fakeClient{
		judgeReplies: map[string]string{
			"M3": "I refuse to rank anything.",
		},
	}
	fx := newFixture(t, client, testConfig())

	if err := fx.engine.RunCouncil(context.Background(), fx.convID, "query", ""); err != nil {
		t.Fatalf("RunCouncil() error = %v", err)
	}

	msg := lastAssistant(t, fx)
	if msg.Metadata.BallotsValid != 2 {
		t.Errorf("ballots_valid = %d, want 2", msg.Metadata.BallotsValid)
	}
	if msg.Metadata.BallotsDiscarded != 1 {
		t.Errorf("ballots_discarded = %d, want 1", msg.Metadata.BallotsDiscarded)
	}
}

// All judges failing to produce valid ballots surfaces
// insufficient_ballots and fails the session.
func TestRunCouncil_InsufficientBallots(t *testing.T) {
	client := &fakeClient{
		judgeReplies: map[string]string{
			"M1": "no ranking here",
			"M2": "still no ranking",
			"M3": "nothing",
		},
	}
	fx := newFixture(t, client, testConfig())

	err := fx.engine.RunCouncil(context.Background(), fx.convID, "query", "")
	if err == nil {
		t.Fatal("RunCouncil() should fail without valid ballots")
	}
	if KindOf(err) != KindInsufficientBallots {
		t.Errorf("error kind = %s, want %s", KindOf(err), KindInsufficientBallots)
	}
}

// Blueprint parse failures fall back to the default single-task plan
// instead of blocking the run.
func TestRunCouncil_BlueprintFallback(t *testing.T) {
	client := &fakeClient{
		blueprintJSON: "I would rather chat about the weather.",
	}
	fx := newFixture(t, client, testConfig())

	if err := fx.engine.RunCouncil(context.Background(), fx.convID, "query", ""); err != nil {
		t.Fatalf("RunCouncil() error = %v", err)
	}

	state, _ := fx.convs.GetSessionState(fx.convID)
	if len(state.Blueprint.Tasks) != 1 || state.Blueprint.Tasks[0].Type != models.TaskDraft {
		t.Errorf("blueprint = %+v, want default single draft task", state.Blueprint)
	}
}
