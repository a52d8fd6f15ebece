package export

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"council/internal/models"
)

// AuditArchive bundles everything needed for a retrospective review of
// one session: the granular audit events as individual chronological
// files, the conversation history, the latest session snapshot, and
// the final answer as markdown + rendered HTML.
func AuditArchive(exportDir string, conv *models.Conversation, events []models.AuditEvent) (string, error) {
	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}

	archiveName := fmt.Sprintf("audit_%s_%s.zip", conv.ID, time.Now().Format("20060102_150405"))
	archivePath := filepath.Join(exportDir, archiveName)

	f, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	defer zw.Close()

	// 1. Audit events, one file each, prefixed for chronological order
	for i, e := range events {
		ts := strings.NewReplacer(":", "-", ".", "-").Replace(e.Timestamp.Format(time.RFC3339))
		model := "unknown"
		if e.ModelID != "" {
			model = shortTail(e.ModelID)
		}
		name := fmt.Sprintf("logs/%s_%03d_%s_%s.json", ts, i, e.Step, model)

		entry := map[string]interface{}{
			"timestamp": e.Timestamp,
			"step":      e.Step,
			"task_id":   e.TaskID,
			"model":     e.ModelID,
			"message":   e.LogMessage,
		}
		if e.RawData != "" {
			entry["raw_data"] = json.RawMessage(e.RawData)
		}
		if err := writeJSONEntry(zw, name, entry); err != nil {
			return "", err
		}
	}

	// 2. Full conversation history
	history := make([]map[string]interface{}, 0, len(conv.Messages))
	for _, msg := range conv.Messages {
		history = append(history, map[string]interface{}{
			"role":      msg.Role,
			"content":   msg.Content,
			"timestamp": msg.CreatedAt,
		})
	}
	if err := writeJSONEntry(zw, "conversation_history.json", history); err != nil {
		return "", err
	}

	// 3. Session state snapshot
	if err := writeJSONEntry(zw, "session_state.json", conv.SessionState); err != nil {
		return "", err
	}

	// 4. Final answer, markdown + HTML
	if answer, query := finalAnswerOf(conv); answer != "" {
		md := ResultMarkdown(conv.ID, query, answer, time.Now())
		if err := writeRawEntry(zw, "result.md", []byte(md)); err != nil {
			return "", err
		}
		if html, err := ResultHTML(md); err == nil {
			if err := writeRawEntry(zw, "result.html", []byte(html)); err != nil {
				return "", err
			}
		}
	}

	return archivePath, nil
}

// finalAnswerOf returns the last finalized assistant answer and the
// user query it answered.
func finalAnswerOf(conv *models.Conversation) (answer, query string) {
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		msg := conv.Messages[i]
		if answer == "" && msg.Role == models.RoleAssistant && msg.Finalized {
			answer = msg.Content
		}
		if query == "" && msg.Role == models.RoleUser {
			query = msg.Content
		}
		if answer != "" && query != "" {
			break
		}
	}
	return answer, query
}

func writeJSONEntry(zw *zip.Writer, name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	return writeRawEntry(zw, name, data)
}

func writeRawEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("failed to create archive entry %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write archive entry %s: %w", name, err)
	}
	return nil
}

func shortTail(modelID string) string {
	if idx := strings.LastIndex(modelID, "/"); idx >= 0 {
		return modelID[idx+1:]
	}
	return modelID
}
