package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"council/internal/database"
	"council/internal/models"

	"github.com/google/uuid"
)

// ErrBoardNotFound is returned for lookups of unknown board ids
var ErrBoardNotFound = errors.New("board not found")

// BoardService manages saved council boards: team composition,
// personalities, substitutes and consensus strategy, with usage
// tracking for the board picker.
type BoardService struct {
	db *database.DB
}

// NewBoardService creates a board service
func NewBoardService(db *database.DB) *BoardService {
	return &BoardService{db: db}
}

// boardConfig is the JSON payload stored in the config column
type boardConfig struct {
	CouncilMembers    []string          `json:"council_members"`
	Chairman          string            `json:"chairman"`
	Substitutes       map[string]string `json:"substitutes,omitempty"`
	Personalities     map[string]string `json:"personalities,omitempty"`
	ConsensusStrategy string            `json:"consensus_strategy"`
	ResponseTimeoutS  int               `json:"response_timeout_s"`
}

// Save inserts or replaces a board. An empty id gets a generated UUID.
func (s *BoardService) Save(board *models.Board) error {
	if board.ID == "" {
		board.ID = uuid.New().String()
	}
	if len(board.CouncilMembers) < models.MinCouncilMembers || len(board.CouncilMembers) > models.MaxCouncilMembers {
		return fmt.Errorf("board must have between %d and %d council members", models.MinCouncilMembers, models.MaxCouncilMembers)
	}
	if board.ConsensusStrategy == "" {
		board.ConsensusStrategy = models.StrategyBordaCount
	}
	if board.ResponseTimeoutS < models.MinResponseTimeoutS || board.ResponseTimeoutS > models.MaxResponseTimeoutS {
		board.ResponseTimeoutS = 60
	}

	cfg, err := json.Marshal(boardConfig{
		CouncilMembers:    board.CouncilMembers,
		Chairman:          board.Chairman,
		Substitutes:       board.Substitutes,
		Personalities:     board.Personalities,
		ConsensusStrategy: board.ConsensusStrategy,
		ResponseTimeoutS:  board.ResponseTimeoutS,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal board config: %w", err)
	}

	now := time.Now().UTC()
	if board.CreatedAt.IsZero() {
		board.CreatedAt = now
	}

	if s.db.Driver == "mysql" {
		_, err = s.db.Exec(`
			INSERT INTO boards (id, name, description, config, usage_count, created_at, last_used)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE name = VALUES(name), description = VALUES(description), config = VALUES(config)`,
			board.ID, board.Name, board.Description, string(cfg), board.UsageCount, board.CreatedAt, board.LastUsedAt,
		)
	} else {
		_, err = s.db.Exec(`
			INSERT INTO boards (id, name, description, config, usage_count, created_at, last_used)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, description = excluded.description, config = excluded.config`,
			board.ID, board.Name, board.Description, string(cfg), board.UsageCount, board.CreatedAt, board.LastUsedAt,
		)
	}
	return err
}

// Get loads one board by id
func (s *BoardService) Get(boardID string) (*models.Board, error) {
	row := s.db.QueryRow(
		"SELECT id, name, description, config, usage_count, created_at, last_used FROM boards WHERE id = ?",
		boardID,
	)
	board, err := scanBoard(row)
	if err == sql.ErrNoRows {
		return nil, ErrBoardNotFound
	}
	return board, err
}

// List returns all boards, most recently used first
func (s *BoardService) List() ([]*models.Board, error) {
	rows, err := s.db.Query(
		"SELECT id, name, description, config, usage_count, created_at, last_used FROM boards ORDER BY last_used DESC, created_at DESC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Board
	for rows.Next() {
		board, err := scanBoard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, board)
	}
	return out, rows.Err()
}

// Delete removes a board
func (s *BoardService) Delete(boardID string) error {
	res, err := s.db.Exec("DELETE FROM boards WHERE id = ?", boardID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBoardNotFound
	}
	return nil
}

// TrackUsage bumps a board's usage counter when it is bound to a run
func (s *BoardService) TrackUsage(boardID string) {
	now := time.Now().UTC()
	if _, err := s.db.Exec(
		"UPDATE boards SET usage_count = usage_count + 1, last_used = ? WHERE id = ?",
		now, boardID,
	); err != nil {
		log.Printf("[BOARD] Failed to track usage for %s: %v", boardID, err)
	}
}

// FromCouncilConfig builds an ephemeral board from the live council
// config, for runs without a saved board. The board is re-resolved
// through the router on every run.
func FromCouncilConfig(cfg models.CouncilConfig) *models.Board {
	return &models.Board{
		ID:                "config",
		Name:              "Council Config",
		CouncilMembers:    cfg.CouncilModels,
		Chairman:          cfg.ChairmanModel,
		Substitutes:       cfg.SubstituteModels,
		Personalities:     cfg.ModelPersonalities,
		ConsensusStrategy: cfg.ConsensusStrategy,
		ResponseTimeoutS:  cfg.ResponseTimeoutS,
	}
}

func scanBoard(r interface{ Scan(...interface{}) error }) (*models.Board, error) {
	var board models.Board
	var description sql.NullString
	var cfg string
	var lastUsed sql.NullTime

	if err := r.Scan(&board.ID, &board.Name, &description, &cfg, &board.UsageCount, &board.CreatedAt, &lastUsed); err != nil {
		return nil, err
	}
	board.Description = description.String
	if lastUsed.Valid {
		board.LastUsedAt = &lastUsed.Time
	}

	var parsed boardConfig
	if err := json.Unmarshal([]byte(cfg), &parsed); err != nil {
		return nil, fmt.Errorf("corrupt board config for %s: %w", board.ID, err)
	}
	board.CouncilMembers = parsed.CouncilMembers
	board.Chairman = parsed.Chairman
	board.Substitutes = parsed.Substitutes
	board.Personalities = parsed.Personalities
	board.ConsensusStrategy = parsed.ConsensusStrategy
	board.ResponseTimeoutS = parsed.ResponseTimeoutS

	return &board, nil
}
