package council

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"council/internal/models"
	"council/internal/provider"
)

// blueprintSystemPrompt asks the chairman for an executable task list
const blueprintSystemPrompt = `You are the Strategic Planner of the LLM Council.
Analyze the user's request and break it into an ordered task list for the council.

Each task has:
- "id": short identifier ("t1", "t2", ...)
- "type": one of "draft", "analyze", "vision", "code", "refine"
- "label": one-line description of the task
- "required_skills": subset of ["reasoning", "vision", "tools", "thinking", "json_mode"], usually empty
- "breakpoint": true when a human should review the result before the council continues

Most requests need a single draft task. Only multi-step work (e.g. "first agree
on terms, then write the essay") warrants several tasks.

Your output must be a JSON object:
{
  "tasks": [
    {"id": "t1", "type": "draft", "label": "...", "required_skills": [], "breakpoint": false}
  ]
}`

// BuildBlueprint runs Stage 0: the chairman drafts the task list from
// the user text. On any parse failure the engine falls back to a
// default single-task blueprint and logs a warning event — a bad plan
// must never block the run.
func (e *Engine) BuildBlueprint(ctx context.Context, sessionID, chairmanModel, userText string, timeout time.Duration) models.Blueprint {
	messages := []provider.ChatMessage{
		{Role: "system", Content: blueprintSystemPrompt},
		{Role: "user", Content: userText},
	}

	resp, err := e.client.Complete(ctx, chairmanModel, messages, provider.CompletionParams{}, timeout)
	if err != nil {
		e.logEvent(sessionID, fmt.Sprintf("Blueprint generation failed (%v), using default single-task plan", err))
		e.audit.Add(sessionID, "stage0_plan", "", chairmanModel, "blueprint fallback: chairman unreachable", err.Error())
		return defaultBlueprint(userText)
	}

	blueprint, err := parseBlueprint(resp.Content)
	if err != nil {
		e.logEvent(sessionID, fmt.Sprintf("Blueprint output unparseable (%v), using default single-task plan", err))
		e.audit.Add(sessionID, "stage0_plan", "", chairmanModel, "blueprint fallback: parse error", resp.Content)
		return defaultBlueprint(userText)
	}

	e.audit.Add(sessionID, "stage0_plan", "", chairmanModel, "blueprint accepted", blueprint)
	log.Printf("[COUNCIL] Blueprint for %s: %d task(s)", sessionID, len(blueprint.Tasks))
	return blueprint
}

// parseBlueprint extracts the task list from the chairman's reply,
// tolerating markdown fences around the JSON.
func parseBlueprint(content string) (models.Blueprint, error) {
	content = stripMarkdownFence(content)

	var blueprint models.Blueprint
	if err := json.Unmarshal([]byte(content), &blueprint); err != nil {
		return models.Blueprint{}, fmt.Errorf("not a task list: %w", err)
	}
	if len(blueprint.Tasks) == 0 {
		return models.Blueprint{}, fmt.Errorf("task list is empty")
	}

	for i := range blueprint.Tasks {
		t := &blueprint.Tasks[i]
		if t.ID == "" {
			t.ID = fmt.Sprintf("t%d", i+1)
		}
		if t.Type == "" {
			t.Type = models.TaskDraft
		}
	}
	return blueprint, nil
}

// defaultBlueprint is the single-task fallback: draft the query
func defaultBlueprint(userText string) models.Blueprint {
	label := userText
	if len(label) > 80 {
		label = label[:77] + "..."
	}
	return models.Blueprint{
		Tasks: []models.BlueprintTask{
			{ID: "t1", Type: models.TaskDraft, Label: label},
		},
	}
}

// stripMarkdownFence unwraps ```json ... ``` and ``` ... ``` blocks
func stripMarkdownFence(content string) string {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "```json"); idx >= 0 {
		content = content[idx+len("```json"):]
		if end := strings.Index(content, "```"); end >= 0 {
			content = content[:end]
		}
		return strings.TrimSpace(content)
	}
	if idx := strings.Index(content, "```"); idx >= 0 {
		content = content[idx+3:]
		if end := strings.Index(content, "```"); end >= 0 {
			content = content[:end]
		}
		return strings.TrimSpace(content)
	}
	return content
}
