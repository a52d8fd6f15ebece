package export

import (
	"archive/zip"
	"strings"
	"testing"
	"time"

	"council/internal/models"
)

func TestResultMarkdownAndHTML(t *testing.T) {
	md := ResultMarkdown("conv-1", "Define eventual consistency.", "**Eventually** everything converges.", time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC))

	if !strings.Contains(md, "Define eventual consistency.") {
		t.Error("markdown is missing the query")
	}
	if !strings.Contains(md, "conv-1") {
		t.Error("markdown is missing the conversation id")
	}

	html, err := ResultHTML(md)
	if err != nil {
		t.Fatalf("ResultHTML() error = %v", err)
	}
	if !strings.Contains(html, "<strong>Eventually</strong>") {
		t.Errorf("rendered HTML missing emphasis: %s", html)
	}
}

func TestAuditArchive(t *testing.T) {
	dir := t.TempDir()

	now := time.Now().UTC()
	conv := &models.Conversation{
		ID: "conv-1",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "Define eventual consistency.", CreatedAt: now},
			{Role: models.RoleAssistant, Content: "The final answer.", Finalized: true, CreatedAt: now},
		},
		SessionState: &models.SessionState{Status: models.StatusComplete},
	}
	events := []models.AuditEvent{
		{SessionID: "conv-1", Timestamp: now, Step: "stage1_complete", ModelID: "openai/gpt-4o", RawData: `{"drafts": 3}`},
		{SessionID: "conv-1", Timestamp: now, Step: "stage3_complete"},
	}

	path, err := AuditArchive(dir, conv, events)
	if err != nil {
		t.Fatalf("AuditArchive() error = %v", err)
	}

	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer r.Close()

	names := make(map[string]bool)
	logs := 0
	for _, f := range r.File {
		names[f.Name] = true
		if strings.HasPrefix(f.Name, "logs/") {
			logs++
		}
	}

	if logs != 2 {
		t.Errorf("log entries = %d, want 2", logs)
	}
	for _, want := range []string{"conversation_history.json", "session_state.json", "result.md", "result.html"} {
		if !names[want] {
			t.Errorf("archive is missing %s (have %v)", want, names)
		}
	}
}

func TestCatalogXLSX(t *testing.T) {
	dir := t.TempDir()
	latency := 120.0
	unified := []*models.UnifiedModel{
		{
			UnifiedID:         "openai/gpt-4o:deepinfra",
			DeveloperID:       "openai",
			BaseModelName:     "gpt-4o",
			HostingProviderID: "deepinfra",
			Capabilities:      models.Capabilities{Tools: true, Vision: true},
			Cost:              models.Cost{Cost1MTInputUSD: 2, Cost1MTOutputUSD: 8},
			Technical:         models.Technical{ContextTokens: 8192, Quantization: "fp8"},
			LatencyMs:         &latency,
			UpdatedAt:         time.Now().UTC(),
		},
	}

	path, err := CatalogXLSX(dir, unified)
	if err != nil {
		t.Fatalf("CatalogXLSX() error = %v", err)
	}
	if !strings.HasSuffix(path, ".xlsx") {
		t.Errorf("path = %q, want .xlsx", path)
	}
}

func TestSafeFilePart(t *testing.T) {
	if got := safeFilePart("What is CAP? (explain)", 30); strings.ContainsAny(got, "?() ") {
		t.Errorf("unsafe characters survived: %q", got)
	}
	if got := safeFilePart("", 30); got != "" {
		t.Errorf("empty input = %q, want empty", got)
	}
}
