// Package store persists tail offsets and sent telemetry records in SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/agentpulse/agentpulse/internal/model"

	_ "modernc.org/sqlite" // register sqlite driver
)

// Fixed-width UTC timestamps keep lexical order equal to time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Store is the local agentpulse database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// DefaultPath returns the database location under the agentpulse config dir.
func DefaultPath(configDir string) string {
	return filepath.Join(configDir, "agentpulse.db")
}

// Open opens or creates the database at the given path.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetOffsets returns path -> byte offset for every tailed file.
func (s *Store) GetOffsets() (map[string]int64, error) {
	rows, err := s.db.Query("SELECT path, byte_offset FROM tail_offsets")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string]int64)
	for rows.Next() {
		var path string
		var off int64
		if err := rows.Scan(&path, &off); err != nil {
			return nil, err
		}
		result[path] = off
	}
	return result, rows.Err()
}

// SaveOffset records how far a file has been read.
func (s *Store) SaveOffset(path string, offset int64) error {
	_, err := s.db.Exec(`INSERT INTO tail_offsets (path, byte_offset, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET byte_offset = excluded.byte_offset, updated_at = excluded.updated_at`,
		path, offset, s.now().UTC().Format(time.RFC3339))
	return err
}

// DeleteOffset forgets a file.
func (s *Store) DeleteOffset(path string) error {
	_, err := s.db.Exec("DELETE FROM tail_offsets WHERE path = ?", path)
	return err
}

// SaveRecords stores a batch of records in one transaction. Records already
// stored under the same id are left untouched.
func (s *Store) SaveRecords(recs []model.TelemetryRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO records
		(id, timestamp, provider, model, input_tokens, output_tokens, cost_usd,
		 latency_ms, status, error_message, task_context, tools_used,
		 prompt_messages, response_text, user_id, token_source, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	storedAt := s.now().UTC().Format(time.RFC3339)
	for _, r := range recs {
		id := r.ID
		if id == "" {
			id = uuid.NewString()
		}
		tools, err := marshalList(r.ToolsUsed)
		if err != nil {
			return err
		}
		prompt, err := marshalList(r.PromptMessages)
		if err != nil {
			return err
		}
		var latency sql.NullInt64
		if r.LatencyMs != nil {
			latency = sql.NullInt64{Int64: *r.LatencyMs, Valid: true}
		}

		_, err = stmt.Exec(
			id, r.Timestamp.UTC().Format(tsLayout), r.Provider, r.Model,
			r.InputTokens, r.OutputTokens, r.CostUSD,
			latency, string(r.Status), r.ErrorMessage, r.TaskContext, tools,
			prompt, r.ResponseText, r.UserID, r.TokenSource, storedAt,
		)
		if err != nil {
			return fmt.Errorf("storing record %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// LoadRecords reads records at or after since, oldest first. A zero since
// loads everything.
func (s *Store) LoadRecords(since time.Time) ([]model.TelemetryRecord, error) {
	from := ""
	if !since.IsZero() {
		from = since.UTC().Format(tsLayout)
	}
	rows, err := s.db.Query(`SELECT
		id, timestamp, provider, model, input_tokens, output_tokens, cost_usd,
		latency_ms, status, error_message, task_context, tools_used,
		prompt_messages, response_text, user_id, token_source
		FROM records WHERE timestamp >= ? ORDER BY timestamp, id`, from)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.TelemetryRecord
	for rows.Next() {
		var r model.TelemetryRecord
		var ts, status, tools, prompt string
		var latency sql.NullInt64
		var errMsg, taskCtx, respText, userID, tokenSrc sql.NullString

		err := rows.Scan(
			&r.ID, &ts, &r.Provider, &r.Model, &r.InputTokens, &r.OutputTokens, &r.CostUSD,
			&latency, &status, &errMsg, &taskCtx, &tools,
			&prompt, &respText, &userID, &tokenSrc,
		)
		if err != nil {
			return nil, err
		}

		r.Timestamp, _ = time.Parse(tsLayout, ts)
		r.Status = model.Status(status)
		if latency.Valid {
			r.LatencyMs = model.Latency(latency.Int64)
		}
		r.ErrorMessage = errMsg.String
		r.TaskContext = taskCtx.String
		r.ResponseText = respText.String
		r.UserID = userID.String
		r.TokenSource = tokenSrc.String

		r.ToolsUsed = []string{}
		r.PromptMessages = []model.Message{}
		if err := json.Unmarshal([]byte(tools), &r.ToolsUsed); err != nil {
			return nil, fmt.Errorf("decoding tools for %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(prompt), &r.PromptMessages); err != nil {
			return nil, fmt.Errorf("decoding prompt for %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordCount returns the number of stored records.
func (s *Store) RecordCount() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM records").Scan(&count)
	return count, err
}

// PruneBefore deletes records older than cutoff and reports how many went.
func (s *Store) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM records WHERE timestamp < ?", cutoff.UTC().Format(tsLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func marshalList[T any](v []T) (string, error) {
	if v == nil {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
