package vtl

import (
	"errors"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestRuntime returns an initialized runtime that logs nowhere.
func newTestRuntime(t *testing.T, props map[string]any, opts ...Option) *Runtime {
	t.Helper()
	all := map[string]any{PropLogSink: "discard"}
	maps.Copy(all, props)
	rt := New(append([]Option{WithProperties(all)}, opts...)...)
	require.NoError(t, rt.Init())
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func evalString(t *testing.T, rt *Runtime, vars map[string]any, text string) (string, error) {
	t.Helper()
	var b strings.Builder
	err := rt.EvaluateString(NewContext(vars), &b, "test", text)
	return b.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// touch moves the modification time of path forward so a re-check sees a change.
func touch(t *testing.T, path string, d time.Duration) {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	mod := info.ModTime().Add(d)
	require.NoError(t, os.Chtimes(path, mod, mod))
}

var errSinkClosed = errors.New("sink closed")

// failingWriter accepts limit bytes, then fails.
type failingWriter struct {
	strings.Builder
	limit int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.Len()+len(p) > w.limit {
		return 0, errSinkClosed
	}
	return w.Builder.Write(p)
}
