package datasource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nlqhq/nlq/internal/config"
)

// Kind tells how the source was opened.
type Kind string

const (
	KindDatabase Kind = "database"
	KindParquet  Kind = "parquet"
	KindCSV      Kind = "csv"
)

// Column is one introspected column.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ResultSet is a fully materialized query result.
type ResultSet struct {
	Columns []string
	Rows    [][]any
}

// Len returns the number of rows.
func (r *ResultSet) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// Source is a read-only handle on one tool's data. The underlying pool is
// safe for concurrent readers.
type Source struct {
	db      *sql.DB
	kind    Kind
	table   string
	path    string
	tempDir string
	logger  *zap.Logger
}

// Open resolves cfg into a read-only Source. Every failure is a
// *config.ConfigError.
func Open(ctx context.Context, tool string, cfg config.DatabaseConfig, logger *zap.Logger) (*Source, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch {
	case strings.TrimSpace(cfg.DBPath) != "":
		return openDatabase(ctx, tool, cfg, logger)
	case strings.TrimSpace(cfg.ParquetPath) != "":
		return openFile(ctx, tool, KindParquet, cfg.ParquetPath, cfg.ViewName, logger)
	case strings.TrimSpace(cfg.CSVPath) != "":
		return openFile(ctx, tool, KindCSV, cfg.CSVPath, cfg.ViewName, logger)
	}
	return nil, &config.ConfigError{Tool: tool, What: "database", Err: errors.New("must specify one of db_path, parquet_path or csv_path")}
}

func openDatabase(ctx context.Context, tool string, cfg config.DatabaseConfig, logger *zap.Logger) (*Source, error) {
	path := cfg.DBPath
	if _, err := os.Stat(path); err != nil {
		return nil, &config.ConfigError{Tool: tool, What: "database.db_path", Err: err}
	}
	db, err := openReadOnly(path)
	if err != nil {
		return nil, &config.ConfigError{Tool: tool, What: "database.db_path", Err: err}
	}
	table := cfg.TableName
	if table == "" {
		table, err = discoverTable(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, &config.ConfigError{Tool: tool, What: "database.table_name", Err: fmt.Errorf("%s: %w", path, err)}
		}
		logger.Info("discovered table", zap.String("tool", tool), zap.String("table", table))
	} else if err := tableExists(ctx, db, table); err != nil {
		_ = db.Close()
		return nil, &config.ConfigError{Tool: tool, What: "database.table_name", Err: err}
	}
	return &Source{db: db, kind: KindDatabase, table: table, path: path, logger: logger}, nil
}

// openFile loads a Parquet or CSV file into a private SQLite cache and
// exposes it read-only as view.
func openFile(ctx context.Context, tool string, kind Kind, path, view string, logger *zap.Logger) (*Source, error) {
	what := "database." + string(kind) + "_path"
	if view == "" {
		view = "data"
	}
	var (
		t   *table
		err error
	)
	if kind == KindParquet {
		t, err = parquetTable(path)
	} else {
		t, err = csvTable(path)
	}
	if err != nil {
		return nil, &config.ConfigError{Tool: tool, What: what, Err: err}
	}

	dir, err := os.MkdirTemp("", "nlq-"+tool+"-*")
	if err != nil {
		return nil, &config.ConfigError{Tool: tool, What: what, Err: err}
	}
	cachePath := filepath.Join(dir, "source.db")
	if err := materialize(ctx, t, cachePath, view); err != nil {
		_ = os.RemoveAll(dir)
		return nil, &config.ConfigError{Tool: tool, What: what, Err: err}
	}
	db, err := openReadOnly(cachePath)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, &config.ConfigError{Tool: tool, What: what, Err: err}
	}
	logger.Info("loaded file source",
		zap.String("tool", tool),
		zap.String("kind", string(kind)),
		zap.String("path", path),
		zap.String("view", view),
		zap.Int("rows", len(t.rows)))
	return &Source{db: db, kind: kind, table: view, path: path, tempDir: dir, logger: logger}, nil
}

// openReadOnly opens an SQLite file so that writes fail at the engine level.
func openReadOnly(path string) (*sql.DB, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("mode", "ro")
	q.Add("_pragma", "query_only(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	dsn := "file:" + abs + "?" + q.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func discoverTable(ctx context.Context, db *sql.DB) (string, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type IN ('table','view') AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return "", err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	switch len(names) {
	case 0:
		return "", errors.New("no tables found")
	case 1:
		return names[0], nil
	}
	return "", fmt.Errorf("multiple tables found, specify table_name: %s", strings.Join(names, ", "))
}

func tableExists(ctx context.Context, db *sql.DB, table string) error {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table','view') AND name = ?`, table).Scan(&n)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("table %q not found", table)
	}
	return nil
}

// Kind reports how the source was opened.
func (s *Source) Kind() Kind { return s.kind }

// Table is the resolved table or view name used in prompts.
func (s *Source) Table() string { return s.table }

// QuotedTable is Table as an SQL identifier.
func (s *Source) QuotedTable() string { return QuoteIdent(s.table) }

// Path is the configured file backing the source.
func (s *Source) Path() string { return s.path }

// Columns introspects column names and declared types in table order.
func (s *Source) Columns(ctx context.Context) ([]Column, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, type FROM pragma_table_info(?) ORDER BY cid`, s.table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("table %q has no columns", s.table)
	}
	return out, nil
}

// SampleRows returns the first n rows in storage order.
func (s *Source) SampleRows(ctx context.Context, n int) (*ResultSet, error) {
	return s.Query(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", s.QuotedTable(), n))
}

// Query runs one statement and materializes every row. Engine errors are
// returned unwrapped so their text reaches the caller verbatim.
func (s *Source) Query(ctx context.Context, query string) (*ResultSet, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := &ResultSet{Columns: cols, Rows: make([][]any, 0)}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			switch x := v.(type) {
			case []byte:
				vals[i] = string(x)
			case float64:
				// JSON cannot carry non-finite numbers.
				if math.IsInf(x, 0) || math.IsNaN(x) {
					vals[i] = strconv.FormatFloat(x, 'g', -1, 64)
				}
			}
		}
		out.Rows = append(out.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Source) Close() error {
	if s.db == nil {
		return errors.New("source is nil")
	}
	err := s.db.Close()
	if s.tempDir != "" {
		if rmErr := os.RemoveAll(s.tempDir); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}

// QuoteIdent quotes an SQLite identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
