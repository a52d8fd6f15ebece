package services

import (
	"reflect"
	"testing"

	"council/internal/database"
	"council/internal/models"
)

func testDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Initialize(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return db
}

func TestConversationLifecycle(t *testing.T) {
	svc := NewConversationService(testDB(t))

	conv, err := svc.Create("")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if conv.ID == "" {
		t.Fatal("Create() returned empty id")
	}
	if conv.Title != "New Conversation" {
		t.Errorf("title = %q, want New Conversation", conv.Title)
	}

	loaded, err := svc.Get(conv.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(loaded.Messages) != 0 {
		t.Errorf("new conversation has %d messages, want 0", len(loaded.Messages))
	}

	if _, err := svc.Get("does-not-exist"); err != ErrConversationNotFound {
		t.Errorf("Get(unknown) error = %v, want ErrConversationNotFound", err)
	}
}

// Revision index must equal the count of prior finalized assistant
// messages in the same conversation.
func TestRevisionIndexing(t *testing.T) {
	svc := NewConversationService(testDB(t))
	conv, _ := svc.Create("")

	if _, err := svc.AppendMessage(conv.ID, &models.Message{Role: models.RoleUser, Content: "q1", Finalized: true}); err != nil {
		t.Fatalf("append user: %v", err)
	}

	id1, err := svc.AppendMessage(conv.ID, &models.Message{Role: models.RoleAssistant})
	if err != nil {
		t.Fatalf("append assistant: %v", err)
	}
	if err := svc.FinalizeMessage(id1, "answer 1"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	id2, _ := svc.AppendMessage(conv.ID, &models.Message{Role: models.RoleAssistant})
	if err := svc.FinalizeMessage(id2, "answer 2"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	messages, err := svc.Messages(conv.ID)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}

	var revisions []int
	for _, m := range messages {
		if m.Role == models.RoleAssistant {
			revisions = append(revisions, m.RevisionIndex)
		}
	}
	if !reflect.DeepEqual(revisions, []int{0, 1}) {
		t.Errorf("revision indexes = %v, want [0 1]", revisions)
	}

	count, err := svc.RevisionCount(conv.ID)
	if err != nil {
		t.Fatalf("RevisionCount() error = %v", err)
	}
	if count != 2 {
		t.Errorf("revision count = %d, want 2", count)
	}
}

func TestStageBuffersUpdatableUntilFinalized(t *testing.T) {
	svc := NewConversationService(testDB(t))
	conv, _ := svc.Create("")

	id, _ := svc.AppendMessage(conv.ID, &models.Message{Role: models.RoleAssistant})

	stage1 := []models.Stage1Result{{Model: "m1", Response: "draft"}}
	if err := svc.UpdateAssistantStages(id, stage1, nil, nil, nil); err != nil {
		t.Fatalf("UpdateAssistantStages() error = %v", err)
	}

	if err := svc.FinalizeMessage(id, "final"); err != nil {
		t.Fatalf("FinalizeMessage() error = %v", err)
	}

	if err := svc.UpdateAssistantStages(id, stage1, nil, nil, nil); err != ErrMessageFinalized {
		t.Errorf("update after finalize error = %v, want ErrMessageFinalized", err)
	}

	messages, _ := svc.Messages(conv.ID)
	if len(messages) != 1 || len(messages[0].Stage1) != 1 || messages[0].Stage1[0].Model != "m1" {
		t.Errorf("persisted stage1 = %+v", messages[0].Stage1)
	}
	if messages[0].Content != "final" {
		t.Errorf("content = %q, want final", messages[0].Content)
	}
}

// Serializing and re-loading a SessionState must reproduce an
// identical object.
func TestSessionStateRoundTrip(t *testing.T) {
	svc := NewConversationService(testDB(t))
	conv, _ := svc.Create("")

	state := &models.SessionState{
		Blueprint: models.Blueprint{
			Tasks: []models.BlueprintTask{
				{ID: "t1", Type: models.TaskDraft, Label: "draft it", Breakpoint: true},
				{ID: "t2", Type: models.TaskRefine, Label: "refine it", RequiredSkills: []string{"reasoning"}},
			},
		},
		CurrentTaskIndex: 1,
		Status:           models.StatusAwaitingHuman,
		StageBuffers: models.StageBuffers{
			Stage1: []models.Stage1Result{{Model: "m1", Response: "draft", Usage: models.TokenUsage{TotalTokens: 12}}},
		},
		PendingHumanInput: &models.HumanFeedback{Feedback: "more detail", ContinueDiscussion: true},
	}

	if err := svc.SaveSessionState(conv.ID, state); err != nil {
		t.Fatalf("SaveSessionState() error = %v", err)
	}

	loaded, err := svc.GetSessionState(conv.ID)
	if err != nil {
		t.Fatalf("GetSessionState() error = %v", err)
	}
	if !reflect.DeepEqual(state, loaded) {
		t.Errorf("round trip diverged:\nsaved:  %+v\nloaded: %+v", state, loaded)
	}

	// Saving again overwrites the single current state
	state.Status = models.StatusComplete
	if err := svc.SaveSessionState(conv.ID, state); err != nil {
		t.Fatalf("second SaveSessionState() error = %v", err)
	}
	loaded, _ = svc.GetSessionState(conv.ID)
	if loaded.Status != models.StatusComplete {
		t.Errorf("status after overwrite = %s, want complete", loaded.Status)
	}
}

func TestResetPreservesTitle(t *testing.T) {
	svc := NewConversationService(testDB(t))
	conv, _ := svc.Create("")

	if err := svc.SetTitle(conv.ID, "Eventual Consistency"); err != nil {
		t.Fatalf("SetTitle() error = %v", err)
	}
	svc.AppendMessage(conv.ID, &models.Message{Role: models.RoleUser, Content: "q", Finalized: true})
	svc.SaveSessionState(conv.ID, &models.SessionState{Status: models.StatusRunning})

	if err := svc.Reset(conv.ID); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	loaded, err := svc.Get(conv.ID)
	if err != nil {
		t.Fatalf("Get() after reset error = %v", err)
	}
	if loaded.Title != "Eventual Consistency" {
		t.Errorf("title after reset = %q, want preserved", loaded.Title)
	}
	if len(loaded.Messages) != 0 {
		t.Errorf("messages after reset = %d, want 0", len(loaded.Messages))
	}
	if loaded.SessionState != nil {
		t.Errorf("session state after reset = %+v, want nil", loaded.SessionState)
	}
}

func TestArchiveAndDelete(t *testing.T) {
	svc := NewConversationService(testDB(t))
	conv, _ := svc.Create("")

	if err := svc.Archive(conv.ID); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	visible, _ := svc.List(false)
	if len(visible) != 0 {
		t.Errorf("archived conversation still listed: %+v", visible)
	}
	all, _ := svc.List(true)
	if len(all) != 1 {
		t.Errorf("include_archived list = %d entries, want 1", len(all))
	}

	if err := svc.DeletePermanent(conv.ID); err != nil {
		t.Fatalf("DeletePermanent() error = %v", err)
	}
	if _, err := svc.Get(conv.ID); err != ErrConversationNotFound {
		t.Errorf("Get() after delete error = %v, want ErrConversationNotFound", err)
	}
}

func TestEndWithRating(t *testing.T) {
	svc := NewConversationService(testDB(t))
	conv, _ := svc.Create("")

	if err := svc.EndWithRating(conv.ID, 6); err == nil {
		t.Error("EndWithRating(6) should reject out-of-range ratings")
	}
	if err := svc.EndWithRating(conv.ID, 4); err != nil {
		t.Fatalf("EndWithRating() error = %v", err)
	}

	messages, _ := svc.Messages(conv.ID)
	if len(messages) != 1 || messages[0].Role != models.RoleSystem {
		t.Fatalf("rating message missing: %+v", messages)
	}
	if messages[0].Metadata == nil || messages[0].Metadata.Rating == nil || *messages[0].Metadata.Rating != 4 {
		t.Errorf("rating metadata = %+v, want 4", messages[0].Metadata)
	}
}
