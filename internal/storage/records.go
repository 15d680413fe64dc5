package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// UploadRecord is the record-store row kept per input object.
type UploadRecord struct {
	ObjectKey            string     `json:"object_key"`
	Bucket               string     `json:"bucket"`
	LastModified         string     `json:"last_modified"`
	ContentType          string     `json:"content_type"`
	ContentLength        int64      `json:"content_length"`
	ExecutionID          string     `json:"execution_id"`
	ExecutionStartedAt   time.Time  `json:"execution_started_at"`
	ExecutionCompletedAt *time.Time `json:"execution_completed_at,omitempty"`
	Status               string     `json:"status"`
	OutputKey            string     `json:"output_key,omitempty"`
	Language             string     `json:"language,omitempty"`
	Summary              string     `json:"summary,omitempty"`
	Topic                string     `json:"topic,omitempty"`
	Resolved             string     `json:"resolved,omitempty"`
	AgentSentiment       string     `json:"agent_sentiment,omitempty"`
	CustomerSentiment    string     `json:"customer_sentiment,omitempty"`
	AgentSecs            float64    `json:"agent_secs"`
	CustomerSecs         float64    `json:"customer_secs"`
	TotalSecs            float64    `json:"total_secs"`
	Error                string     `json:"error,omitempty"`
}

// UploadOutcome is written once when an execution finishes.
type UploadOutcome struct {
	Status            string
	CompletedAt       time.Time
	OutputKey         string
	Language          string
	Summary           string
	Topic             string
	Resolved          string
	AgentSentiment    string
	CustomerSentiment string
	AgentSecs         float64
	CustomerSecs      float64
	TotalSecs         float64
	Error             string
}

// Execution is the checkpoint of a pipeline run.
type Execution struct {
	ID        string
	ObjectKey string
	State     string
	Status    string
	Payload   []byte
	NextRunAt time.Time
	StartedAt time.Time
	UpdatedAt time.Time
	Error     string
}

// RecordStore handles SQLite database operations
type RecordStore struct {
	db *sql.DB
}

// NewRecordStore opens the record database and creates its tables
func NewRecordStore(dbPath string) (*RecordStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and serialises writers
	db.SetMaxOpenConns(1)

	createTableSQL := `
	CREATE TABLE IF NOT EXISTS uploads (
		object_key TEXT PRIMARY KEY,
		bucket TEXT NOT NULL,
		last_modified TEXT NOT NULL,
		content_type TEXT,
		content_length INTEGER,
		execution_id TEXT NOT NULL,
		execution_started_at TEXT NOT NULL,
		execution_completed_at TEXT,
		status TEXT NOT NULL,
		output_key TEXT,
		language TEXT,
		summary TEXT,
		topic TEXT,
		resolved TEXT,
		agent_sentiment TEXT,
		customer_sentiment TEXT,
		agent_secs REAL,
		customer_secs REAL,
		total_secs REAL,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		object_key TEXT NOT NULL,
		state TEXT NOT NULL,
		status TEXT NOT NULL,
		payload BLOB NOT NULL,
		next_run_at TEXT NOT NULL,
		started_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_uploads_started ON uploads(execution_started_at);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
	`

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &RecordStore{db: db}, nil
}

// PutUpload creates or replaces the row for an object when a workflow starts
func (rs *RecordStore) PutUpload(ctx context.Context, rec *UploadRecord) error {
	query := `
	INSERT OR REPLACE INTO uploads (object_key, bucket, last_modified, content_type, content_length,
		execution_id, execution_started_at, status)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := rs.db.ExecContext(ctx, query, rec.ObjectKey, rec.Bucket, rec.LastModified, rec.ContentType,
		rec.ContentLength, rec.ExecutionID, formatTime(rec.ExecutionStartedAt), rec.Status)
	if err != nil {
		return fmt.Errorf("failed to save upload record: %w", err)
	}
	return nil
}

// ClaimUpload records a new execution for an object unless the stored row
// already carries the same last-modified value. The check and the write are
// one statement, so of two concurrent claims for one object version exactly
// one succeeds. It reports whether the claim was taken.
func (rs *RecordStore) ClaimUpload(ctx context.Context, rec *UploadRecord) (bool, error) {
	query := `
	INSERT INTO uploads (object_key, bucket, last_modified, content_type, content_length,
		execution_id, execution_started_at, status)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(object_key) DO UPDATE SET
		bucket = excluded.bucket,
		last_modified = excluded.last_modified,
		content_type = excluded.content_type,
		content_length = excluded.content_length,
		execution_id = excluded.execution_id,
		execution_started_at = excluded.execution_started_at,
		execution_completed_at = NULL,
		status = excluded.status,
		output_key = NULL, language = NULL, summary = NULL, topic = NULL, resolved = NULL,
		agent_sentiment = NULL, customer_sentiment = NULL,
		agent_secs = NULL, customer_secs = NULL, total_secs = NULL, error = NULL
	WHERE uploads.last_modified <> excluded.last_modified
	`

	res, err := rs.db.ExecContext(ctx, query, rec.ObjectKey, rec.Bucket, rec.LastModified, rec.ContentType,
		rec.ContentLength, rec.ExecutionID, formatTime(rec.ExecutionStartedAt), rec.Status)
	if err != nil {
		return false, fmt.Errorf("failed to claim upload record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim upload record: %w", err)
	}
	return n > 0, nil
}

// CompleteUpload writes the outcome of an execution. The row must still
// belong to executionID, otherwise a newer upload has replaced it.
func (rs *RecordStore) CompleteUpload(ctx context.Context, objectKey, executionID string, out UploadOutcome) error {
	query := `
	UPDATE uploads SET execution_completed_at = ?, status = ?, output_key = ?, language = ?,
		summary = ?, topic = ?, resolved = ?, agent_sentiment = ?, customer_sentiment = ?,
		agent_secs = ?, customer_secs = ?, total_secs = ?, error = ?
	WHERE object_key = ? AND execution_id = ?
	`

	res, err := rs.db.ExecContext(ctx, query, formatTime(out.CompletedAt), out.Status, out.OutputKey, out.Language,
		out.Summary, out.Topic, out.Resolved, out.AgentSentiment, out.CustomerSentiment,
		out.AgentSecs, out.CustomerSecs, out.TotalSecs, out.Error, objectKey, executionID)
	if err != nil {
		return fmt.Errorf("failed to update upload record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update upload record: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("upload %s (execution %s): %w", objectKey, executionID, ErrNotFound)
	}
	return nil
}

const uploadColumns = `object_key, bucket, last_modified, content_type, content_length, execution_id,
	execution_started_at, execution_completed_at, status, output_key, language, summary, topic, resolved,
	agent_sentiment, customer_sentiment, agent_secs, customer_secs, total_secs, error`

// GetUpload retrieves the row for an object key
func (rs *RecordStore) GetUpload(ctx context.Context, objectKey string) (*UploadRecord, error) {
	row := rs.db.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE object_key = ?`, objectKey)
	rec, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("upload %s: %w", objectKey, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload: %w", err)
	}
	return rec, nil
}

// ListUploads returns the most recently started uploads
func (rs *RecordStore) ListUploads(ctx context.Context, limit int) ([]*UploadRecord, error) {
	rows, err := rs.db.QueryContext(ctx,
		`SELECT `+uploadColumns+` FROM uploads ORDER BY execution_started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}
	defer rows.Close()

	var uploads []*UploadRecord
	for rows.Next() {
		rec, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan upload: %w", err)
		}
		uploads = append(uploads, rec)
	}
	return uploads, rows.Err()
}

// SaveExecution upserts an execution checkpoint
func (rs *RecordStore) SaveExecution(ctx context.Context, ex *Execution) error {
	query := `
	INSERT INTO executions (id, object_key, state, status, payload, next_run_at, started_at, updated_at, error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET state = excluded.state, status = excluded.status,
		payload = excluded.payload, next_run_at = excluded.next_run_at,
		updated_at = excluded.updated_at, error = excluded.error
	`

	payload := ex.Payload
	if payload == nil {
		payload = []byte("{}")
	}

	_, err := rs.db.ExecContext(ctx, query, ex.ID, ex.ObjectKey, ex.State, ex.Status, payload,
		formatTime(ex.NextRunAt), formatTime(ex.StartedAt), formatTime(ex.UpdatedAt), ex.Error)
	if err != nil {
		return fmt.Errorf("failed to save execution %s: %w", ex.ID, err)
	}
	return nil
}

// GetExecution retrieves a checkpoint by id
func (rs *RecordStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := rs.db.QueryRowContext(ctx, `
	SELECT id, object_key, state, status, payload, next_run_at, started_at, updated_at, error
	FROM executions WHERE id = ?`, id)

	ex, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return ex, nil
}

// ListPendingExecutions returns executions that have not reached a terminal status
func (rs *RecordStore) ListPendingExecutions(ctx context.Context, terminal ...string) ([]*Execution, error) {
	query := `
	SELECT id, object_key, state, status, payload, next_run_at, started_at, updated_at, error
	FROM executions ORDER BY next_run_at`

	rows, err := rs.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	skip := make(map[string]bool, len(terminal))
	for _, s := range terminal {
		skip[s] = true
	}

	var pending []*Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		if !skip[ex.Status] {
			pending = append(pending, ex)
		}
	}
	return pending, rows.Err()
}

// Close closes the database connection
func (rs *RecordStore) Close() error {
	return rs.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUpload(row scanner) (*UploadRecord, error) {
	var (
		rec               UploadRecord
		started           string
		completed         sql.NullString
		contentType       sql.NullString
		output            sql.NullString
		language          sql.NullString
		summary           sql.NullString
		topic             sql.NullString
		resolved          sql.NullString
		agentSentiment    sql.NullString
		customerSentiment sql.NullString
		errText           sql.NullString
		contentLength     sql.NullInt64
		agentSecs         sql.NullFloat64
		customerSecs      sql.NullFloat64
		totalSecs         sql.NullFloat64
	)

	err := row.Scan(&rec.ObjectKey, &rec.Bucket, &rec.LastModified, &contentType, &contentLength,
		&rec.ExecutionID, &started, &completed, &rec.Status, &output, &language, &summary, &topic,
		&resolved, &agentSentiment, &customerSentiment, &agentSecs, &customerSecs, &totalSecs, &errText)
	if err != nil {
		return nil, err
	}

	rec.ExecutionStartedAt = parseTime(started)
	if completed.Valid && completed.String != "" {
		t := parseTime(completed.String)
		rec.ExecutionCompletedAt = &t
	}
	rec.ContentType = contentType.String
	rec.ContentLength = contentLength.Int64
	rec.OutputKey = output.String
	rec.Language = language.String
	rec.Summary = summary.String
	rec.Topic = topic.String
	rec.Resolved = resolved.String
	rec.AgentSentiment = agentSentiment.String
	rec.CustomerSentiment = customerSentiment.String
	rec.AgentSecs = agentSecs.Float64
	rec.CustomerSecs = customerSecs.Float64
	rec.TotalSecs = totalSecs.Float64
	rec.Error = errText.String
	return &rec, nil
}

func scanExecution(row scanner) (*Execution, error) {
	var (
		ex                     Execution
		next, started, updated string
		errText                sql.NullString
	)
	if err := row.Scan(&ex.ID, &ex.ObjectKey, &ex.State, &ex.Status, &ex.Payload, &next, &started, &updated, &errText); err != nil {
		return nil, err
	}
	ex.NextRunAt = parseTime(next)
	ex.StartedAt = parseTime(started)
	ex.UpdatedAt = parseTime(updated)
	ex.Error = errText.String
	return &ex, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
