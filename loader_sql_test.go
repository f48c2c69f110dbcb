package vtl

import (
	"database/sql"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTemplateDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`CREATE TABLE templates (
		name       TEXT PRIMARY KEY,
		body       TEXT NOT NULL,
		updated_at INTEGER
	)`)
	require.NoError(t, err)
	return db
}

func putTemplate(t *testing.T, db *sql.DB, name, body string, mod time.Time) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO templates (name, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		name, body, mod.UnixMilli())
	require.NoError(t, err)
}

func TestSQLLoader_LoadAndModTime(t *testing.T) {
	db := openTemplateDB(t)
	mod := time.UnixMilli(1_700_000_000_000)
	putTemplate(t, db, "hello.vm", "Hello $name", mod)

	l := NewSQLLoader(db, SQLLoaderConfig{})
	require.Equal(t, "sql", l.Name())

	src, err := l.Load("hello.vm")
	require.NoError(t, err)
	require.Equal(t, "Hello $name", string(src.Data))
	require.True(t, src.ModTime.Equal(mod))

	got, err := l.ModTime("hello.vm")
	require.NoError(t, err)
	require.True(t, got.Equal(mod))

	_, err = l.Load("missing.vm")
	require.ErrorIs(t, err, fs.ErrNotExist)
	_, err = l.ModTime("missing.vm")
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestSQLLoader_BrokenTableIsHardError(t *testing.T) {
	db := openTemplateDB(t)
	l := NewSQLLoader(db, SQLLoaderConfig{Table: "no_such_table"})

	_, err := l.Load("hello.vm")
	require.Error(t, err)
	require.NotErrorIs(t, err, fs.ErrNotExist)
}

func TestSQLLoader_ReloadsWhenTimestampChanges(t *testing.T) {
	db := openTemplateDB(t)
	mod := time.UnixMilli(1_700_000_000_000)
	putTemplate(t, db, "page.vm", "v1 $name", mod)

	rt := newTestRuntime(t, map[string]any{PropCacheCheckInterval: "0s"},
		WithLoaders(NewSQLLoader(db, SQLLoaderConfig{})))

	render := func() string {
		var b strings.Builder
		require.NoError(t, rt.MergeTemplate(&b, "page.vm", NewContext(map[string]any{"name": "Ada"})))
		return b.String()
	}
	require.Equal(t, "v1 Ada", render())

	putTemplate(t, db, "page.vm", "v2 $name", mod)
	require.Equal(t, "v1 Ada", render(), "unchanged timestamp keeps the cached template")

	putTemplate(t, db, "page.vm", "v3 $name", mod.Add(time.Second))
	require.Equal(t, "v3 Ada", render())
}

func TestParseTimestamp(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	for _, v := range []any{ts, ts.UnixMilli(), ts.Format(time.RFC3339Nano), []byte(ts.Format(time.RFC3339Nano))} {
		got, err := parseTimestamp(v)
		require.NoError(t, err)
		require.True(t, got.Equal(ts), "%T", v)
	}

	zero, err := parseTimestamp(nil)
	require.NoError(t, err)
	require.True(t, zero.IsZero())

	_, err = parseTimestamp(3.5)
	require.Error(t, err)
}
