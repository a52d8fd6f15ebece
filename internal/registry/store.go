package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"council/internal/database"
	"council/internal/models"
)

// Store persists the raw catalogs and the unified model table
type Store struct {
	db *database.DB
}

// NewStore creates a registry store over the shared database
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// ReplaceRawTables atomically swaps in a fresh raw snapshot. The
// previous tables survive as *_old for diffing; readers keep seeing
// the old rows until the transaction commits.
func (s *Store) ReplaceRawTables(catalog []RawCatalogModel, endpoints []RawEndpointSet) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin raw swap: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	swaps := []struct{ live, old, create string }{
		{
			live: "raw_openrouter_models",
			old:  "raw_openrouter_models_old",
			create: `CREATE TABLE raw_openrouter_models (
				id VARCHAR(191) PRIMARY KEY,
				name TEXT,
				raw_json TEXT,
				updated_at TIMESTAMP
			)`,
		},
		{
			live: "raw_openrouter_endpoints",
			old:  "raw_openrouter_endpoints_old",
			create: `CREATE TABLE raw_openrouter_endpoints (
				model_id VARCHAR(191) PRIMARY KEY,
				endpoints_count INTEGER,
				raw_json TEXT,
				updated_at TIMESTAMP
			)`,
		},
	}

	for _, sw := range swaps {
		if _, err := tx.Exec("DROP TABLE IF EXISTS " + sw.old); err != nil {
			return fmt.Errorf("failed to drop %s: %w", sw.old, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("ALTER TABLE %s RENAME TO %s", sw.live, sw.old)); err != nil {
			return fmt.Errorf("failed to retire %s: %w", sw.live, err)
		}
		if _, err := tx.Exec(sw.create); err != nil {
			return fmt.Errorf("failed to recreate %s: %w", sw.live, err)
		}
	}

	for _, m := range catalog {
		if _, err := tx.Exec(
			"INSERT INTO raw_openrouter_models (id, name, raw_json, updated_at) VALUES (?, ?, ?, ?)",
			m.ID, m.Name, string(m.Raw), now,
		); err != nil {
			return fmt.Errorf("failed to insert raw model %s: %w", m.ID, err)
		}
	}

	for _, e := range endpoints {
		if _, err := tx.Exec(
			"INSERT INTO raw_openrouter_endpoints (model_id, endpoints_count, raw_json, updated_at) VALUES (?, ?, ?, ?)",
			e.ModelID, e.Count, string(e.Raw), now,
		); err != nil {
			return fmt.Errorf("failed to insert raw endpoints for %s: %w", e.ModelID, err)
		}
	}

	return tx.Commit()
}

// LoadRawTables reads the current raw snapshot back for reprocessing
func (s *Store) LoadRawTables() (map[string]json.RawMessage, []RawEndpointSet, error) {
	baseRows, err := s.db.Query("SELECT id, raw_json FROM raw_openrouter_models")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load raw models: %w", err)
	}
	defer baseRows.Close()

	baseModels := make(map[string]json.RawMessage)
	for baseRows.Next() {
		var id, raw string
		if err := baseRows.Scan(&id, &raw); err != nil {
			return nil, nil, err
		}
		baseModels[id] = json.RawMessage(raw)
	}
	if err := baseRows.Err(); err != nil {
		return nil, nil, err
	}

	epRows, err := s.db.Query("SELECT model_id, endpoints_count, raw_json FROM raw_openrouter_endpoints")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load raw endpoints: %w", err)
	}
	defer epRows.Close()

	var sets []RawEndpointSet
	for epRows.Next() {
		var set RawEndpointSet
		var raw string
		if err := epRows.Scan(&set.ModelID, &set.Count, &raw); err != nil {
			return nil, nil, err
		}
		set.Raw = json.RawMessage(raw)
		set.Endpoints = extractEndpointList(set.Raw)
		sets = append(sets, set)
	}
	return baseModels, sets, epRows.Err()
}

// UpsertUnified inserts or updates one unified row, keyed by the
// five-column uniqueness invariant. Existing latency fields and
// created_at are preserved; everything else is overwritten from the
// merge result.
func (s *Store) UpsertUnified(row *models.UnifiedModel) error {
	existing, err := s.GetUnified(row.UnifiedID)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	now := time.Now().UTC()
	touchTimestamps(row, existing, now)

	capsJSON, _ := json.Marshal(row.Capabilities)
	costJSON, _ := json.Marshal(row.Cost)
	techJSON, _ := json.Marshal(row.Technical)

	if existing != nil {
		_, err = s.db.Exec(`
			UPDATE unified_models SET
				developer_id = ?, access_provider_id = ?, hosting_provider_id = ?,
				base_model_id = ?, base_model_name = ?, variant_name = ?,
				print_name_1 = ?, print_name_part1 = ?, print_name_part2 = ?,
				capabilities_json = ?, cost_json = ?, technical_json = ?,
				raw_base_model_data = ?, raw_endpoint_data = ?,
				updated_at = ?
			WHERE unified_id = ?`,
			row.DeveloperID, row.AccessProviderID, row.HostingProviderID,
			row.BaseModelID, row.BaseModelName, row.VariantName,
			row.PrintName1, row.PrintNamePart1, row.PrintNamePart2,
			string(capsJSON), string(costJSON), string(techJSON),
			string(row.RawBaseModelSnapshot), string(row.RawEndpointSnapshot),
			row.UpdatedAt, row.UnifiedID,
		)
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO unified_models (
			unified_id, developer_id, access_provider_id, hosting_provider_id,
			base_model_id, base_model_name, variant_name,
			print_name_1, print_name_part1, print_name_part2,
			capabilities_json, cost_json, technical_json,
			latency_ms, last_latency_check, latency_live_ms, latency_live_at,
			raw_base_model_data, raw_endpoint_data,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.UnifiedID, row.DeveloperID, row.AccessProviderID, row.HostingProviderID,
		row.BaseModelID, row.BaseModelName, row.VariantName,
		row.PrintName1, row.PrintNamePart1, row.PrintNamePart2,
		string(capsJSON), string(costJSON), string(techJSON),
		row.LatencyMs, row.LastLatencyCheck, row.LatencyLiveMs, row.LatencyLiveAt,
		string(row.RawBaseModelSnapshot), string(row.RawEndpointSnapshot),
		row.CreatedAt, row.UpdatedAt,
	)
	return err
}

// DeleteUnifiedNotIn removes unified rows whose id is absent from the
// latest merge — endpoints the gateway no longer offers.
func (s *Store) DeleteUnifiedNotIn(keepIDs map[string]bool) (int, error) {
	rows, err := s.db.Query("SELECT unified_id FROM unified_models")
	if err != nil {
		return 0, err
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		if !keepIDs[id] {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range stale {
		if _, err := s.db.Exec("DELETE FROM unified_models WHERE unified_id = ?", id); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

const unifiedColumns = `unified_id, developer_id, access_provider_id, hosting_provider_id,
	base_model_id, base_model_name, variant_name,
	print_name_1, print_name_part1, print_name_part2,
	capabilities_json, cost_json, technical_json,
	latency_ms, last_latency_check, latency_live_ms, latency_live_at,
	raw_base_model_data, raw_endpoint_data, created_at, updated_at`

// GetUnified fetches one unified row by id; sql.ErrNoRows when absent
func (s *Store) GetUnified(unifiedID string) (*models.UnifiedModel, error) {
	row := s.db.QueryRow("SELECT "+unifiedColumns+" FROM unified_models WHERE unified_id = ?", unifiedID)
	return scanUnified(row)
}

// ListUnified returns all unified rows in the stable catalog order:
// (developer_id, base_model_name, variant_name, hosting_provider_id).
func (s *Store) ListUnified() ([]*models.UnifiedModel, error) {
	rows, err := s.db.Query("SELECT " + unifiedColumns + ` FROM unified_models
		ORDER BY developer_id, base_model_name, variant_name, hosting_provider_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUnifiedRows(rows)
}

// ListVariants returns the unified variants of one base model in the
// stable catalog order.
func (s *Store) ListVariants(baseModelID string) ([]*models.UnifiedModel, error) {
	rows, err := s.db.Query("SELECT "+unifiedColumns+` FROM unified_models
		WHERE base_model_id = ?
		ORDER BY developer_id, base_model_name, variant_name, hosting_provider_id`, baseModelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUnifiedRows(rows)
}

// ListBaseModels groups unified rows by base model
func (s *Store) ListBaseModels(limit int) ([]models.BaseModelSummary, error) {
	query := `
		SELECT base_model_id, MIN(base_model_name), MIN(developer_id), MIN(print_name_part1),
		       COUNT(*) AS variants_count,
		       MAX(CASE WHEN cost_json LIKE '%"is_free":true%' THEN 1 ELSE 0 END)
		FROM unified_models
		GROUP BY base_model_id
		ORDER BY MIN(developer_id), MIN(base_model_name)`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.BaseModelSummary
	for rows.Next() {
		var sm models.BaseModelSummary
		var freeAvailable int
		if err := rows.Scan(&sm.BaseModelID, &sm.BaseModelName, &sm.DeveloperID, &sm.PrintNamePart1, &sm.VariantsCount, &freeAvailable); err != nil {
			return nil, err
		}
		sm.IsFreeAvailable = freeAvailable == 1
		out = append(out, sm)
	}
	return out, rows.Err()
}

// UpdateRunLatency overwrites the EWMA latency fields of a row
func (s *Store) UpdateRunLatency(unifiedID string, latencyMs float64, at time.Time) error {
	_, err := s.db.Exec(
		"UPDATE unified_models SET latency_ms = ?, last_latency_check = ? WHERE unified_id = ?",
		latencyMs, at, unifiedID,
	)
	return err
}

// UpdateLiveLatency overwrites the single-probe latency fields of a row
func (s *Store) UpdateLiveLatency(unifiedID string, latencyMs float64, at time.Time) error {
	_, err := s.db.Exec(
		"UPDATE unified_models SET latency_live_ms = ?, latency_live_at = ? WHERE unified_id = ?",
		latencyMs, at, unifiedID,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUnified(r rowScanner) (*models.UnifiedModel, error) {
	var m models.UnifiedModel
	var capsJSON, costJSON, techJSON string
	var rawBase, rawEndpoint sql.NullString
	var latency, latencyLive sql.NullFloat64
	var lastCheck, liveAt sql.NullTime

	err := r.Scan(
		&m.UnifiedID, &m.DeveloperID, &m.AccessProviderID, &m.HostingProviderID,
		&m.BaseModelID, &m.BaseModelName, &m.VariantName,
		&m.PrintName1, &m.PrintNamePart1, &m.PrintNamePart2,
		&capsJSON, &costJSON, &techJSON,
		&latency, &lastCheck, &latencyLive, &liveAt,
		&rawBase, &rawEndpoint, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(capsJSON), &m.Capabilities); err != nil {
		return nil, fmt.Errorf("corrupt capabilities for %s: %w", m.UnifiedID, err)
	}
	if err := json.Unmarshal([]byte(costJSON), &m.Cost); err != nil {
		return nil, fmt.Errorf("corrupt cost for %s: %w", m.UnifiedID, err)
	}
	if err := json.Unmarshal([]byte(techJSON), &m.Technical); err != nil {
		return nil, fmt.Errorf("corrupt technical for %s: %w", m.UnifiedID, err)
	}

	if latency.Valid {
		m.LatencyMs = &latency.Float64
	}
	if lastCheck.Valid {
		m.LastLatencyCheck = &lastCheck.Time
	}
	if latencyLive.Valid {
		m.LatencyLiveMs = &latencyLive.Float64
	}
	if liveAt.Valid {
		m.LatencyLiveAt = &liveAt.Time
	}
	if rawBase.Valid {
		m.RawBaseModelSnapshot = json.RawMessage(rawBase.String)
	}
	if rawEndpoint.Valid {
		m.RawEndpointSnapshot = json.RawMessage(rawEndpoint.String)
	}

	return &m, nil
}

func scanUnifiedRows(rows *sql.Rows) ([]*models.UnifiedModel, error) {
	var out []*models.UnifiedModel
	for rows.Next() {
		m, err := scanUnified(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
