package datasource

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/format"
)

const parquetBatch = 256

// parquetTable loads a flat Parquet file. Nested and repeated columns are
// rejected; DATE and TIMESTAMP columns become ISO-8601 text.
func parquetTable(path string) (*table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	fields := pf.Schema().Fields()
	t := &table{
		columns: make([]string, len(fields)),
		types:   make([]string, len(fields)),
	}
	convs := make([]func(parquet.Value) any, len(fields))
	for i, field := range fields {
		if !field.Leaf() || field.Repeated() {
			return nil, fmt.Errorf("%s: column %q is nested or repeated", path, field.Name())
		}
		t.columns[i] = field.Name()
		t.types[i], convs[i] = parquetColumn(field.Type())
	}

	buf := make([]parquet.Row, parquetBatch)
	for _, rg := range pf.RowGroups() {
		rows := rg.Rows()
		for {
			n, err := rows.ReadRows(buf)
			for _, r := range buf[:n] {
				row := make([]any, len(fields))
				for _, v := range r {
					col := v.Column()
					if col < 0 || col >= len(row) || v.IsNull() {
						continue
					}
					row[col] = convs[col](v)
				}
				t.rows = append(t.rows, row)
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("%s: %w", path, err)
			}
		}
		if err := rows.Close(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return t, nil
}

// parquetColumn maps a Parquet column type to an SQLite type and a value
// converter.
func parquetColumn(typ parquet.Type) (string, func(parquet.Value) any) {
	if lt := typ.LogicalType(); lt != nil {
		switch {
		case lt.Date != nil:
			return "TEXT", func(v parquet.Value) any {
				return time.Unix(int64(v.Int32())*86400, 0).UTC().Format("2006-01-02")
			}
		case lt.Timestamp != nil:
			unit := timestampUnit(lt.Timestamp.Unit)
			return "TEXT", func(v parquet.Value) any {
				return time.Unix(0, v.Int64()*int64(unit)).UTC().Format(time.RFC3339Nano)
			}
		}
	}
	switch typ.Kind() {
	case parquet.Boolean:
		return "INTEGER", func(v parquet.Value) any {
			if v.Boolean() {
				return int64(1)
			}
			return int64(0)
		}
	case parquet.Int32:
		return "INTEGER", func(v parquet.Value) any { return int64(v.Int32()) }
	case parquet.Int64:
		return "INTEGER", func(v parquet.Value) any { return v.Int64() }
	case parquet.Float:
		return "REAL", func(v parquet.Value) any { return float64(v.Float()) }
	case parquet.Double:
		return "REAL", func(v parquet.Value) any { return v.Double() }
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return "TEXT", func(v parquet.Value) any { return string(v.ByteArray()) }
	}
	return "TEXT", func(v parquet.Value) any { return v.String() }
}

func timestampUnit(u format.TimeUnit) time.Duration {
	switch {
	case u.Millis != nil:
		return time.Millisecond
	case u.Micros != nil:
		return time.Microsecond
	}
	return time.Nanosecond
}
