// Package export produces the retrospective artifacts of a session:
// markdown/HTML renderings of the final answer, a zip audit archive
// and an XLSX dump of the unified model catalog.
package export

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"
)

// ResultMarkdown renders the final answer of a conversation as a
// markdown document.
func ResultMarkdown(conversationID, query, finalAnswer string, at time.Time) string {
	return fmt.Sprintf(`# LLM Council Result
**Query:** %s
**Date:** %s
**Conversation ID:** %s

---

%s

---
*Generated by LLM Council*
`, query, at.Format("2006-01-02 15:04:05"), conversationID, finalAnswer)
}

// ResultHTML renders the markdown result to HTML for the audit viewer
func ResultHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("failed to render result HTML: %w", err)
	}
	return buf.String(), nil
}

// WriteResultMarkdown writes the rendered result to the export
// directory and returns the file path.
func WriteResultMarkdown(exportDir, conversationID, query, finalAnswer string) (string, error) {
	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}

	now := time.Now()
	filename := fmt.Sprintf("%s_%s.md", now.Format("20060102_150405"), safeFilePart(query, 30))
	path := filepath.Join(exportDir, filename)

	content := ResultMarkdown(conversationID, query, finalAnswer, now)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write result markdown: %w", err)
	}
	return path, nil
}

// safeFilePart keeps alphanumerics of s up to maxLen, underscores the rest
func safeFilePart(s string, maxLen int) string {
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}
