package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nlqhq/nlq/pkg/types"
)

// timestampLayout sorts lexically and is understood by SQLite's date functions.
const timestampLayout = "2006-01-02 15:04:05.000"

const attemptColumns = `request_id,attempt_number,timestamp,client,user_input,nlq,sql,success,error_message,row_count,execution_time_ms,input_tokens,output_tokens,elapsed_ms,sql_generator_llm,sql_generating_llm_prompt`

// SQLiteLogStore keeps the query_log table in an SQLite file in WAL mode, so
// the log can be queried while it is written.
type SQLiteLogStore struct {
	db   *sql.DB
	path string
}

// OpenLogStore opens or creates the log database at path.
func OpenLogStore(path string) (*SQLiteLogStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	s := &SQLiteLogStore{db: db, path: path}
	if err := s.Init(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init query log %s: %w", path, err)
	}
	return s, nil
}

// Path is the database file.
func (s *SQLiteLogStore) Path() string { return s.path }

func (s *SQLiteLogStore) Init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS query_log (
			request_id TEXT NOT NULL,
			attempt_number INTEGER NOT NULL,
			timestamp TEXT NOT NULL,
			client TEXT,
			user_input TEXT,
			nlq TEXT,
			sql TEXT,
			success BOOLEAN NOT NULL,
			error_message TEXT,
			row_count INTEGER,
			execution_time_ms INTEGER,
			input_tokens INTEGER,
			output_tokens INTEGER,
			elapsed_ms INTEGER,
			sql_generator_llm TEXT,
			sql_generating_llm_prompt TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_query_log_request ON query_log(request_id, attempt_number);`,
		`CREATE INDEX IF NOT EXISTS idx_query_log_timestamp ON query_log(timestamp);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteLogStore) InsertAttempt(ctx context.Context, r types.AttemptRecord) error {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var rowCount any
	if r.Success {
		rowCount = r.RowCount
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO query_log(`+attemptColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.RequestID, r.AttemptNumber, ts.UTC().Format(timestampLayout), r.Client, nullString(r.UserInput), r.NLQ, r.SQL,
		r.Success, nullString(r.ErrorMessage), rowCount, r.ExecutionTimeMs, r.InputTokens, r.OutputTokens,
		r.ElapsedMs, r.Generator, r.Prompt)
	return err
}

func (s *SQLiteLogStore) ListAttempts(ctx context.Context, limit int) ([]types.AttemptRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx, `SELECT `+attemptColumns+` FROM query_log ORDER BY timestamp DESC, attempt_number DESC LIMIT ?`, limit)
}

func (s *SQLiteLogStore) ListRequest(ctx context.Context, requestID string) ([]types.AttemptRecord, error) {
	return s.query(ctx, `SELECT `+attemptColumns+` FROM query_log WHERE request_id=? ORDER BY attempt_number ASC`, requestID)
}

func (s *SQLiteLogStore) query(ctx context.Context, q string, args ...any) ([]types.AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]types.AttemptRecord, 0)
	for rows.Next() {
		var (
			r                      types.AttemptRecord
			ts                     string
			client, userInput, nlq sql.NullString
			sqlText, errMsg        sql.NullString
			generator, prompt      sql.NullString
			rowCount, execMs       sql.NullInt64
			inTok, outTok, elapsed sql.NullInt64
		)
		if err := rows.Scan(&r.RequestID, &r.AttemptNumber, &ts, &client, &userInput, &nlq, &sqlText,
			&r.Success, &errMsg, &rowCount, &execMs, &inTok, &outTok, &elapsed, &generator, &prompt); err != nil {
			return nil, err
		}
		if t, err := time.Parse(timestampLayout, ts); err == nil {
			r.Timestamp = t
		}
		r.Client = client.String
		r.UserInput = userInput.String
		r.NLQ = nlq.String
		r.SQL = sqlText.String
		r.ErrorMessage = errMsg.String
		r.RowCount = int(rowCount.Int64)
		r.ExecutionTimeMs = execMs.Int64
		r.InputTokens = int(inTok.Int64)
		r.OutputTokens = int(outTok.Int64)
		r.ElapsedMs = elapsed.Int64
		r.Generator = generator.String
		r.Prompt = prompt.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteLogStore) Close() error {
	if s.db == nil {
		return errors.New("store is nil")
	}
	return s.db.Close()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
