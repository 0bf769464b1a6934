package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// table is a file source loaded into memory with one SQLite type per column.
type table struct {
	columns []string
	types   []string
	rows    [][]any
}

// materialize copies t into a fresh SQLite file at dbPath, stores it as
// src_<view> and exposes it as view.
func materialize(ctx context.Context, t *table, dbPath, view string) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	defs := make([]string, len(t.columns))
	marks := make([]string, len(t.columns))
	for i, c := range t.columns {
		defs[i] = QuoteIdent(c) + " " + t.types[i]
		marks[i] = "?"
	}
	backing := QuoteIdent("src_" + view)
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", backing, strings.Join(defs, ", "))); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", backing, strings.Join(marks, ",")))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for n, row := range t.rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("row %d: %w", n+1, err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE VIEW %s AS SELECT * FROM %s", QuoteIdent(view), backing)); err != nil {
		return err
	}
	return tx.Commit()
}
