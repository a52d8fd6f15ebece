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

// ErrConversationNotFound is returned for lookups of unknown ids
var ErrConversationNotFound = errors.New("conversation not found")

// ErrMessageFinalized rejects stage-buffer updates on finalized messages
var ErrMessageFinalized = errors.New("message already finalized")

// ConversationService owns conversations, their messages and the
// per-conversation session snapshot. Writes are serialized per
// conversation by the database layer; reads see the last committed
// state. Assistant messages are append-only: stage buffers may be
// updated until the message is finalized, after which it counts as a
// revision.
type ConversationService struct {
	db *database.DB
}

// NewConversationService creates a conversation service
func NewConversationService(db *database.DB) *ConversationService {
	return &ConversationService{db: db}
}

// Create creates a new conversation. An empty id gets a generated UUID.
func (s *ConversationService) Create(conversationID string) (*models.Conversation, error) {
	if conversationID == "" {
		conversationID = uuid.New().String()
	}
	now := time.Now().UTC()

	_, err := s.db.Exec(
		"INSERT INTO conversations (id, title, archived, created_at, last_modified) VALUES (?, ?, 0, ?, ?)",
		conversationID, "New Conversation", now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	return &models.Conversation{
		ID:           conversationID,
		Title:        "New Conversation",
		CreatedAt:    now,
		LastModified: now,
		Messages:     []models.Message{},
	}, nil
}

// Get loads a conversation with its messages and session state
func (s *ConversationService) Get(conversationID string) (*models.Conversation, error) {
	var conv models.Conversation
	var archived int
	err := s.db.QueryRow(
		"SELECT id, title, archived, created_at, last_modified FROM conversations WHERE id = ?",
		conversationID,
	).Scan(&conv.ID, &conv.Title, &archived, &conv.CreatedAt, &conv.LastModified)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	conv.Archived = archived == 1

	messages, err := s.Messages(conversationID)
	if err != nil {
		return nil, err
	}
	conv.Messages = messages

	state, err := s.GetSessionState(conversationID)
	if err != nil {
		return nil, err
	}
	conv.SessionState = state

	return &conv, nil
}

// Exists reports whether a conversation id is known
func (s *ConversationService) Exists(conversationID string) bool {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM conversations WHERE id = ?", conversationID).Scan(&one)
	return err == nil
}

// List returns conversation summaries, newest first
func (s *ConversationService) List(includeArchived bool) ([]models.ConversationSummary, error) {
	where := "WHERE archived = 0"
	if includeArchived {
		where = ""
	}

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT c.id, c.title, c.archived, c.created_at, c.last_modified,
		       (SELECT COUNT(*) FROM messages WHERE conversation_id = c.id) AS message_count,
		       (SELECT COUNT(*) FROM messages WHERE conversation_id = c.id AND role = 'assistant' AND finalized = 1) AS revision_count
		FROM conversations c
		%s
		ORDER BY c.last_modified DESC`, where))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ConversationSummary
	for rows.Next() {
		var sm models.ConversationSummary
		var archived int
		if err := rows.Scan(&sm.ID, &sm.Title, &archived, &sm.CreatedAt, &sm.LastModified, &sm.MessageCount, &sm.RevisionCount); err != nil {
			return nil, err
		}
		sm.Archived = archived == 1
		out = append(out, sm)
	}
	return out, rows.Err()
}

// Messages loads the ordered message history of a conversation
func (s *ConversationService) Messages(conversationID string) ([]models.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, role, content, stage1, stage2, stage3, metadata, finalized, created_at
		FROM messages WHERE conversation_id = ? ORDER BY id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	revision := 0
	for rows.Next() {
		var m models.Message
		var content, stage1, stage2, stage3, metadata sql.NullString
		var finalized int
		if err := rows.Scan(&m.ID, &m.Role, &content, &stage1, &stage2, &stage3, &metadata, &finalized, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.ConversationID = conversationID
		m.Content = content.String
		m.Finalized = finalized == 1
		if stage1.Valid && stage1.String != "" {
			if err := json.Unmarshal([]byte(stage1.String), &m.Stage1); err != nil {
				return nil, fmt.Errorf("corrupt stage1 on message %d: %w", m.ID, err)
			}
		}
		if stage2.Valid && stage2.String != "" {
			if err := json.Unmarshal([]byte(stage2.String), &m.Stage2); err != nil {
				return nil, fmt.Errorf("corrupt stage2 on message %d: %w", m.ID, err)
			}
		}
		if stage3.Valid && stage3.String != "" {
			if err := json.Unmarshal([]byte(stage3.String), &m.Stage3); err != nil {
				return nil, fmt.Errorf("corrupt stage3 on message %d: %w", m.ID, err)
			}
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
				return nil, fmt.Errorf("corrupt metadata on message %d: %w", m.ID, err)
			}
		}
		if m.Role == models.RoleAssistant {
			m.RevisionIndex = revision
			if m.Finalized {
				revision++
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppendMessage appends one message. Assistant messages start
// unfinalized; their revision index equals the count of prior
// finalized assistant messages in the conversation.
func (s *ConversationService) AppendMessage(conversationID string, msg *models.Message) (int64, error) {
	now := time.Now().UTC()

	stage1JSON := marshalOrEmpty(msg.Stage1)
	stage2JSON := marshalOrEmpty(msg.Stage2)
	stage3JSON := marshalOrEmpty(msg.Stage3)
	metadataJSON := marshalOrEmpty(msg.Metadata)

	finalized := 0
	if msg.Finalized {
		finalized = 1
	}

	res, err := s.db.Exec(`
		INSERT INTO messages (conversation_id, role, content, stage1, stage2, stage3, metadata, finalized, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conversationID, msg.Role, msg.Content, stage1JSON, stage2JSON, stage3JSON, metadataJSON, finalized, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append message: %w", err)
	}

	if _, err := s.db.Exec("UPDATE conversations SET last_modified = ? WHERE id = ?", now, conversationID); err != nil {
		return 0, err
	}

	id, _ := res.LastInsertId()
	return id, nil
}

// UpdateAssistantStages replaces the stage buffers of an unfinalized
// assistant message. Used while the pipeline streams partial results.
func (s *ConversationService) UpdateAssistantStages(messageID int64, stage1 []models.Stage1Result, stage2 []models.Stage2Result, stage3 *models.Stage3Result, metadata *models.RunMetadata) error {
	var finalized int
	err := s.db.QueryRow("SELECT finalized FROM messages WHERE id = ?", messageID).Scan(&finalized)
	if err == sql.ErrNoRows {
		return fmt.Errorf("message %d not found", messageID)
	}
	if err != nil {
		return err
	}
	if finalized == 1 {
		return ErrMessageFinalized
	}

	_, err = s.db.Exec(`
		UPDATE messages SET stage1 = ?, stage2 = ?, stage3 = ?, metadata = ?
		WHERE id = ?`,
		marshalOrEmpty(stage1), marshalOrEmpty(stage2), marshalOrEmpty(stage3), marshalOrEmpty(metadata), messageID,
	)
	return err
}

// FinalizeMessage marks an assistant message complete. Only finalized
// messages count as revisions.
func (s *ConversationService) FinalizeMessage(messageID int64, content string) error {
	_, err := s.db.Exec("UPDATE messages SET finalized = 1, content = ? WHERE id = ?", content, messageID)
	return err
}

// RevisionCount returns the number of finalized assistant messages
func (s *ConversationService) RevisionCount(conversationID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND role = 'assistant' AND finalized = 1",
		conversationID,
	).Scan(&count)
	return count, err
}

// LastUserMessage returns the most recent user message content
func (s *ConversationService) LastUserMessage(conversationID string) (string, error) {
	var content sql.NullString
	err := s.db.QueryRow(
		"SELECT content FROM messages WHERE conversation_id = ? AND role = 'user' ORDER BY id DESC LIMIT 1",
		conversationID,
	).Scan(&content)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return content.String, err
}

// SaveSessionState atomically overwrites the single current snapshot.
// Previous states survive only in the audit log.
func (s *ConversationService) SaveSessionState(conversationID string, state *models.SessionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}
	now := time.Now().UTC()

	if s.db.Driver == "mysql" {
		_, err = s.db.Exec(`
			INSERT INTO session_state (conversation_id, state, updated_at) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE state = VALUES(state), updated_at = VALUES(updated_at)`,
			conversationID, string(data), now,
		)
	} else {
		_, err = s.db.Exec(`
			INSERT INTO session_state (conversation_id, state, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(conversation_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
			conversationID, string(data), now,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to save session state: %w", err)
	}

	_, err = s.db.Exec("UPDATE conversations SET last_modified = ? WHERE id = ?", now, conversationID)
	return err
}

// GetSessionState loads the current snapshot, nil when none exists
func (s *ConversationService) GetSessionState(conversationID string) (*models.SessionState, error) {
	var data string
	err := s.db.QueryRow("SELECT state FROM session_state WHERE conversation_id = ?", conversationID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var state models.SessionState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("corrupt session state for %s: %w", conversationID, err)
	}
	return &state, nil
}

// SetTitle updates the conversation title
func (s *ConversationService) SetTitle(conversationID, title string) error {
	_, err := s.db.Exec("UPDATE conversations SET title = ? WHERE id = ?", title, conversationID)
	return err
}

// Archive marks a conversation archived
func (s *ConversationService) Archive(conversationID string) error {
	res, err := s.db.Exec("UPDATE conversations SET archived = 1 WHERE id = ?", conversationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// DeletePermanent removes a conversation, its messages, state and audit
// trail. Messages and state cascade; audit events are removed explicitly
// since they reference sessions weakly.
func (s *ConversationService) DeletePermanent(conversationID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM audit_events WHERE session_id = ?", conversationID); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM session_state WHERE conversation_id = ?", conversationID); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM messages WHERE conversation_id = ?", conversationID); err != nil {
		return err
	}
	res, err := tx.Exec("DELETE FROM conversations WHERE id = ?", conversationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	return tx.Commit()
}

// Reset clears messages and session state; the title is preserved
func (s *ConversationService) Reset(conversationID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM messages WHERE conversation_id = ?", conversationID); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM audit_events WHERE session_id = ?", conversationID); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM session_state WHERE conversation_id = ?", conversationID); err != nil {
		return err
	}
	now := time.Now().UTC()
	if _, err := tx.Exec("UPDATE conversations SET last_modified = ? WHERE id = ?", now, conversationID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	log.Printf("[CONVERSATION] Reset %s (messages + session state cleared)", conversationID)
	return nil
}

// EndWithRating closes a session and records the 0-5 rating as a
// system message with rating metadata.
func (s *ConversationService) EndWithRating(conversationID string, rating int) error {
	if rating < 0 || rating > 5 {
		return fmt.Errorf("rating must be between 0 and 5")
	}

	_, err := s.AppendMessage(conversationID, &models.Message{
		Role:      models.RoleSystem,
		Content:   fmt.Sprintf("Session ended with rating: %d/5", rating),
		Metadata:  &models.RunMetadata{Rating: &rating},
		Finalized: true,
	})
	return err
}

func marshalOrEmpty(v interface{}) interface{} {
	switch val := v.(type) {
	case []models.Stage1Result:
		if val == nil {
			return nil
		}
	case []models.Stage2Result:
		if val == nil {
			return nil
		}
	case *models.Stage3Result:
		if val == nil {
			return nil
		}
	case *models.RunMetadata:
		if val == nil {
			return nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(data)
}
