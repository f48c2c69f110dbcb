package vtl

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLLoaderConfig names the table and columns holding templates.
type SQLLoaderConfig struct {
	Table           string
	KeyColumn       string
	TemplateColumn  string
	TimestampColumn string
	// Placeholder is the bind parameter syntax of the driver, "?" by default.
	Placeholder string
}

// SQLLoader loads templates from a database table.
//
// The timestamp column may hold a time value, an RFC 3339 string or an
// integer number of Unix milliseconds.
type SQLLoader struct {
	db  *sql.DB
	cfg SQLLoaderConfig
}

// NewSQLLoader creates a loader over db. Empty config fields default to
// table "templates" with columns "name", "body" and "updated_at".
func NewSQLLoader(db *sql.DB, cfg SQLLoaderConfig) *SQLLoader {
	if cfg.Table == "" {
		cfg.Table = "templates"
	}
	if cfg.KeyColumn == "" {
		cfg.KeyColumn = "name"
	}
	if cfg.TemplateColumn == "" {
		cfg.TemplateColumn = "body"
	}
	if cfg.TimestampColumn == "" {
		cfg.TimestampColumn = "updated_at"
	}
	if cfg.Placeholder == "" {
		cfg.Placeholder = "?"
	}
	return &SQLLoader{db: db, cfg: cfg}
}

func (l *SQLLoader) Name() string {
	return "sql"
}

func (l *SQLLoader) Load(name string) (*Source, error) {
	query := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s = %s",
		l.cfg.TemplateColumn, l.cfg.TimestampColumn, l.cfg.Table, l.cfg.KeyColumn, l.cfg.Placeholder)

	var (
		body []byte
		ts   any
	)
	err := l.db.QueryRow(query, name).Scan(&body, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notExist("query", name)
	}
	if err != nil {
		return nil, fmt.Errorf("query template %s: %w", name, err)
	}
	mod, err := parseTimestamp(ts)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", name, err)
	}
	return &Source{Name: name, Loader: l.Name(), Data: body, ModTime: mod}, nil
}

func (l *SQLLoader) ModTime(name string) (time.Time, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
		l.cfg.TimestampColumn, l.cfg.Table, l.cfg.KeyColumn, l.cfg.Placeholder)

	var ts any
	err := l.db.QueryRow(query, name).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, notExist("query", name)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query timestamp %s: %w", name, err)
	}
	return parseTimestamp(ts)
}

func parseTimestamp(v any) (time.Time, error) {
	switch ts := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return ts, nil
	case int64:
		return time.UnixMilli(ts), nil
	case string:
		return time.Parse(time.RFC3339Nano, ts)
	case []byte:
		return time.Parse(time.RFC3339Nano, string(ts))
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}
