package datasource

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ReadCSV loads a whole CSV file; the first record is the header.
func ReadCSV(path string) (*ResultSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: empty csv", path)
		}
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	out := &ResultSet{Columns: header, Rows: make([][]any, 0)}
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		row := make([]any, len(rec))
		for i, v := range rec {
			row[i] = v
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

// csvTable reads a CSV file and converts each column to the type inferred
// from its values.
func csvTable(path string) (*table, error) {
	data, err := ReadCSV(path)
	if err != nil {
		return nil, err
	}
	types := inferColumnTypes(data)
	rows := make([][]any, len(data.Rows))
	for n, rec := range data.Rows {
		row := make([]any, len(data.Columns))
		for i := range row {
			if i < len(rec) {
				row[i] = convertValue(rec[i].(string), types[i])
			}
		}
		rows[n] = row
	}
	return &table{columns: data.Columns, types: types, rows: rows}, nil
}

func inferColumnTypes(data *ResultSet) []string {
	out := make([]string, len(data.Columns))
	for i := range data.Columns {
		isInt, isReal, seen := true, true, false
		for _, row := range data.Rows {
			if i >= len(row) {
				continue
			}
			v := strings.TrimSpace(row[i].(string))
			if v == "" {
				continue
			}
			seen = true
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				isInt = false
			}
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				isReal = false
			}
		}
		switch {
		case !seen:
			out[i] = "TEXT"
		case isInt:
			out[i] = "INTEGER"
		case isReal:
			out[i] = "REAL"
		default:
			out[i] = "TEXT"
		}
	}
	return out
}

func convertValue(v, typ string) any {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	switch typ {
	case "INTEGER":
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	case "REAL":
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return v
}
