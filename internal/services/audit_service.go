package services

import (
	"database/sql"
	"encoding/json"
	"log"
	"time"

	"council/internal/database"
	"council/internal/models"
)

// AuditService writes the append-only audit trail of council sessions.
// The audit log is the canonical record the event stream accelerates:
// a reconnecting client can reconstruct a run from it plus the latest
// session snapshot.
type AuditService struct {
	db *database.DB
}

// NewAuditService creates an audit service
func NewAuditService(db *database.DB) *AuditService {
	return &AuditService{db: db}
}

// Add appends one audit event. rawData is marshaled verbatim; failures
// are logged and swallowed — auditing never fails a run.
func (s *AuditService) Add(sessionID, step, taskID, modelID, logMessage string, rawData interface{}) {
	var rawJSON interface{}
	if rawData != nil {
		data, err := json.Marshal(rawData)
		if err != nil {
			log.Printf("[AUDIT] Failed to marshal raw data for %s/%s: %v", sessionID, step, err)
		} else {
			rawJSON = string(data)
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO audit_events (session_id, timestamp, step, task_id, model_id, log_message, raw_data)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, time.Now().UTC(), step, nullable(taskID), nullable(modelID), nullable(logMessage), rawJSON,
	)
	if err != nil {
		log.Printf("[AUDIT] Failed to write audit event %s/%s: %v", sessionID, step, err)
	}
}

// List returns a session's audit trail in chronological order
func (s *AuditService) List(sessionID string) ([]models.AuditEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, timestamp, step, task_id, model_id, log_message, raw_data
		FROM audit_events WHERE session_id = ? ORDER BY timestamp ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		var taskID, modelID, logMessage, rawData sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Timestamp, &e.Step, &taskID, &modelID, &logMessage, &rawData); err != nil {
			return nil, err
		}
		e.TaskID = taskID.String
		e.ModelID = modelID.String
		e.LogMessage = logMessage.String
		e.RawData = rawData.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
