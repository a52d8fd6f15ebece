package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"council/internal/database"
	"council/internal/models"
)

// keptFailLists is how many historical fail lists are retained
const keptFailLists = 5

// ErrFailListNotFound is returned for unknown fail-list ids
var ErrFailListNotFound = errors.New("fail list not found")

// FailListService persists named fail-lists. At most one list is
// active globally; the router reads the active set on every resolution.
type FailListService struct {
	db *database.DB
}

// NewFailListService creates a fail-list service
func NewFailListService(db *database.DB) *FailListService {
	return &FailListService{db: db}
}

// Save inserts a new fail list, pruning history down to the last 5
func (s *FailListService) Save(name string, failedModels []string) (int64, error) {
	data, err := json.Marshal(failedModels)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal fail list: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		"INSERT INTO fail_lists (name, failed_models, is_active, created_at) VALUES (?, ?, 0, ?)",
		name, string(data), time.Now().UTC(),
	)
	if err != nil {
		return 0, err
	}
	id, _ := res.LastInsertId()

	// Keep only the newest lists
	rows, err := tx.Query("SELECT id FROM fail_lists ORDER BY created_at DESC, id DESC")
	if err != nil {
		return 0, err
	}
	var ids []int64
	for rows.Next() {
		var rowID int64
		if err := rows.Scan(&rowID); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, rowID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	if len(ids) > keptFailLists {
		stale := ids[keptFailLists:]
		placeholders := strings.TrimRight(strings.Repeat("?,", len(stale)), ",")
		args := make([]interface{}, len(stale))
		for i, sid := range stale {
			args[i] = sid
		}
		if _, err := tx.Exec("DELETE FROM fail_lists WHERE id IN ("+placeholders+")", args...); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	log.Printf("[FAIL-LIST] Saved %q with %d failed models (id=%d)", name, len(failedModels), id)
	return id, nil
}

// SetActive activates one list and deactivates every other, atomically
func (s *FailListService) SetActive(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("UPDATE fail_lists SET is_active = 0"); err != nil {
		return err
	}
	res, err := tx.Exec("UPDATE fail_lists SET is_active = 1 WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFailListNotFound
	}
	return tx.Commit()
}

// Deactivate clears the active flag everywhere
func (s *FailListService) Deactivate() error {
	_, err := s.db.Exec("UPDATE fail_lists SET is_active = 0")
	return err
}

// ActiveFailList returns the active list's model ids, empty when none.
// Implements router.FailLister; lookup errors fail open (no exclusions)
// so a storage hiccup cannot take routing down.
func (s *FailListService) ActiveFailList() []string {
	var data sql.NullString
	err := s.db.QueryRow("SELECT failed_models FROM fail_lists WHERE is_active = 1").Scan(&data)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		log.Printf("[FAIL-LIST] Active list lookup failed: %v", err)
		return nil
	}
	if !data.Valid || data.String == "" {
		return nil
	}

	var ids []string
	if err := json.Unmarshal([]byte(data.String), &ids); err != nil {
		log.Printf("[FAIL-LIST] Corrupt active list, ignoring: %v", err)
		return nil
	}
	return ids
}

// List returns all fail lists, newest first
func (s *FailListService) List() ([]models.FailList, error) {
	rows, err := s.db.Query(
		"SELECT id, name, failed_models, is_active, created_at FROM fail_lists ORDER BY created_at DESC, id DESC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.FailList
	for rows.Next() {
		var fl models.FailList
		var data sql.NullString
		var active int
		if err := rows.Scan(&fl.ID, &fl.Name, &data, &active, &fl.CreatedAt); err != nil {
			return nil, err
		}
		fl.Active = active == 1
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &fl.FailedModels); err != nil {
				log.Printf("[FAIL-LIST] Corrupt models on list %d, ignoring: %v", fl.ID, err)
			}
		}
		out = append(out, fl)
	}
	return out, rows.Err()
}
