package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"time"

	"council/internal/database"
	"council/internal/models"

	"github.com/google/uuid"
)

// ErrPromptNotFound is returned for lookups of unknown prompt ids
var ErrPromptNotFound = errors.New("prompt not found")

// PromptService manages the saved prompt library
type PromptService struct {
	db *database.DB
}

// NewPromptService creates a prompt service
func NewPromptService(db *database.DB) *PromptService {
	return &PromptService{db: db}
}

// Save inserts or replaces a prompt. An empty id gets a generated UUID.
func (s *PromptService) Save(prompt *models.Prompt) error {
	if prompt.ID == "" {
		prompt.ID = uuid.New().String()
	}
	if prompt.CreatedAt.IsZero() {
		prompt.CreatedAt = time.Now().UTC()
	}

	tags, _ := json.Marshal(prompt.Tags)

	var err error
	if s.db.Driver == "mysql" {
		_, err = s.db.Exec(`
			INSERT INTO prompts (id, title, content, tags, rating, usage_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE title = VALUES(title), content = VALUES(content), tags = VALUES(tags), rating = VALUES(rating)`,
			prompt.ID, prompt.Title, prompt.Content, string(tags), prompt.Rating, prompt.UsageCount, prompt.CreatedAt,
		)
	} else {
		_, err = s.db.Exec(`
			INSERT INTO prompts (id, title, content, tags, rating, usage_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET title = excluded.title, content = excluded.content, tags = excluded.tags, rating = excluded.rating`,
			prompt.ID, prompt.Title, prompt.Content, string(tags), prompt.Rating, prompt.UsageCount, prompt.CreatedAt,
		)
	}
	return err
}

// List returns all prompts, newest first
func (s *PromptService) List() ([]*models.Prompt, error) {
	rows, err := s.db.Query(
		"SELECT id, title, content, tags, rating, usage_count, created_at FROM prompts ORDER BY created_at DESC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Prompt
	for rows.Next() {
		var p models.Prompt
		var tags sql.NullString
		if err := rows.Scan(&p.ID, &p.Title, &p.Content, &tags, &p.Rating, &p.UsageCount, &p.CreatedAt); err != nil {
			return nil, err
		}
		if tags.Valid && tags.String != "" {
			if err := json.Unmarshal([]byte(tags.String), &p.Tags); err != nil {
				log.Printf("[PROMPT] Corrupt tags on %s, ignoring: %v", p.ID, err)
			}
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// TrackUsage bumps a prompt's usage counter
func (s *PromptService) TrackUsage(promptID string) error {
	res, err := s.db.Exec("UPDATE prompts SET usage_count = usage_count + 1 WHERE id = ?", promptID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPromptNotFound
	}
	return nil
}

// Delete removes a prompt
func (s *PromptService) Delete(promptID string) error {
	res, err := s.db.Exec("DELETE FROM prompts WHERE id = ?", promptID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPromptNotFound
	}
	return nil
}
