package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kylemclaren/taskfab/internal/model"
)

// recordVersion is written on every task and shadow run row. Version 1 rows
// predate the current result codes.
const recordVersion = 2

// legacyResults maps result codes of version 1 rows.
var legacyResults = map[model.Result]model.Result{
	"blocked":   model.ResultCancelled,
	"dismissed": model.ResultCancelled,
}

func upgradeResult(version int, r model.Result) model.Result {
	if version >= recordVersion {
		return r
	}
	if mapped, ok := legacyResults[r]; ok {
		return mapped
	}
	return r
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding %T: %w", v, err)
	}
	return string(b), nil
}

func decode(s string, v any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("decoding %T: %w", v, err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

func timeOf(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

// row is the subset of *sql.Row and *sql.Rows used by the scanners.
type row interface {
	Scan(dest ...any) error
}
