package vtl

import (
	"io"
	"time"

	"github.com/dangdungcntt/go-vtl/parse"
)

// Template is a compiled template. It is immutable once returned; a changed
// source produces a new Template rather than modifying this one.
type Template struct {
	name     string
	encoding string
	loader   string
	modTime  time.Time
	tree     *parse.Tree
	rt       *Runtime
}

// Name returns the resource name the template was resolved by.
func (t *Template) Name() string {
	return t.name
}

// Encoding returns the character encoding the source was decoded with.
func (t *Template) Encoding() string {
	return t.encoding
}

// Loader returns the name of the loader that supplied the source.
func (t *Template) Loader() string {
	return t.loader
}

// ModTime returns the source modification time, zero if untracked.
func (t *Template) ModTime() time.Time {
	return t.modTime
}

// Macros returns the names of the macros the template declares.
func (t *Template) Macros() []string {
	names := make([]string, 0, len(t.tree.Macros))
	for _, m := range t.tree.Macros {
		names = append(names, m.Name)
	}
	return names
}

// Merge renders the template with ctx into w.
func (t *Template) Merge(w io.Writer, ctx *Context) error {
	return t.rt.merge(w, t, ctx)
}
