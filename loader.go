package vtl

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Source is raw template content found by a Loader.
type Source struct {
	Name    string
	Loader  string
	Data    []byte
	ModTime time.Time
}

// Loader is one backing store of templates.
//
// A missing resource is reported with an error matching fs.ErrNotExist; any
// other error means the store itself could not be read. A zero ModTime means
// the loader does not track modifications and its templates never go stale.
type Loader interface {
	Name() string
	Load(name string) (*Source, error)
	ModTime(name string) (time.Time, error)
}

func notExist(op, name string) error {
	return &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
}

// FSLoader loads templates from a filesystem.
type FSLoader struct {
	dirPrefix string
	fs        fs.FS
	// root is the OS directory behind fs, when known; used for watching.
	root string
}

// NewDirLoader creates a loader reading templates from a directory.
func NewDirLoader(dir string) *FSLoader {
	l := NewFSLoader(os.DirFS(dir))
	l.root = dir
	return l
}

// NewFSLoader creates a loader over fsys.
// When using embed.FS, pass the embedded folder as prefix.
// Files in an embed.FS have no modification time and are never reloaded.
func NewFSLoader(fsys fs.FS, prefix ...string) *FSLoader {
	var dirPrefix string
	if len(prefix) > 0 {
		dirPrefix = prefix[0]
	}
	return &FSLoader{dirPrefix: dirPrefix, fs: fsys}
}

func (l *FSLoader) Name() string {
	return "file"
}

// Root returns the OS directory the loader reads from, or "" for an arbitrary fs.FS.
func (l *FSLoader) Root() string {
	return l.root
}

func (l *FSLoader) path(name string) (string, bool) {
	p := normalizeName(name)
	if l.dirPrefix != "" {
		p = path.Join(l.dirPrefix, p)
	}
	return p, fs.ValidPath(p)
}

func (l *FSLoader) Load(name string) (*Source, error) {
	p, ok := l.path(name)
	if !ok {
		return nil, notExist("open", name)
	}
	info, err := fs.Stat(l.fs, p)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, notExist("open", name)
	}
	raw, err := fs.ReadFile(l.fs, p)
	if err != nil {
		return nil, err
	}
	return &Source{Name: name, Loader: l.Name(), Data: raw, ModTime: info.ModTime()}, nil
}

func (l *FSLoader) ModTime(name string) (time.Time, error) {
	p, ok := l.path(name)
	if !ok {
		return time.Time{}, notExist("stat", name)
	}
	info, err := fs.Stat(l.fs, p)
	if err != nil {
		return time.Time{}, err
	}
	if info.IsDir() {
		return time.Time{}, notExist("stat", name)
	}
	return info.ModTime(), nil
}

// StringLoader serves templates held in memory. Its templates are always
// fresh: after replacing one, call Runtime.Invalidate to drop the cached copy.
type StringLoader struct {
	mu        sync.RWMutex
	templates map[string]string
}

// NewStringLoader creates a loader seeded with templates.
func NewStringLoader(templates map[string]string) *StringLoader {
	l := &StringLoader{templates: make(map[string]string, len(templates))}
	for name, text := range templates {
		l.templates[name] = text
	}
	return l
}

func (l *StringLoader) Name() string {
	return "string"
}

// Put stores text under name.
func (l *StringLoader) Put(name, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.templates[name] = text
}

// Remove deletes name.
func (l *StringLoader) Remove(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.templates, name)
}

func (l *StringLoader) Load(name string) (*Source, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	text, ok := l.templates[name]
	if !ok {
		return nil, notExist("open", name)
	}
	return &Source{Name: name, Loader: l.Name(), Data: []byte(text)}, nil
}

func (l *StringLoader) ModTime(name string) (time.Time, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.templates[name]; !ok {
		return time.Time{}, notExist("stat", name)
	}
	return time.Time{}, nil
}

// LoaderFunc adapts an application function to a Loader. The function
// returns fs.ErrNotExist for unknown names. Its templates are always fresh.
type LoaderFunc func(name string) ([]byte, error)

func (f LoaderFunc) Name() string {
	return "func"
}

func (f LoaderFunc) Load(name string) (*Source, error) {
	data, err := f(name)
	if err != nil {
		return nil, err
	}
	return &Source{Name: name, Loader: f.Name(), Data: data}, nil
}

func (f LoaderFunc) ModTime(name string) (time.Time, error) {
	_, err := f(name)
	return time.Time{}, err
}

// Chain consults loaders in order; the first that has a resource wins.
type Chain struct {
	loaders []Loader
	logger  *slog.Logger
}

// NewChain creates a loader chain.
func NewChain(logger *slog.Logger, loaders ...Loader) *Chain {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Chain{loaders: loaders, logger: logger}
}

// Loaders returns the loaders in lookup order.
func (c *Chain) Loaders() []Loader {
	return append([]Loader(nil), c.loaders...)
}

// Load returns the first loader's copy of name. Loaders that fail for reasons
// other than a missing resource are logged and skipped; if no loader has the
// resource and any of them failed, the failures are returned as a KindIO error.
func (c *Chain) Load(name string) (*Source, Loader, error) {
	var (
		hard  []error
		tried []string
	)
	for _, l := range c.loaders {
		tried = append(tried, l.Name())
		src, err := l.Load(name)
		if err == nil {
			if src.Loader == "" {
				src.Loader = l.Name()
			}
			if src.Name == "" {
				src.Name = name
			}
			return src, l, nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		c.logger.Warn("resource loader failed",
			slog.String("loader", l.Name()),
			slog.String("resource", name),
			slog.String("error", err.Error()),
		)
		hard = append(hard, fmt.Errorf("%s loader: %w", l.Name(), err))
	}
	if len(hard) > 0 {
		return nil, nil, newError(KindIO, name, errors.Join(hard...))
	}
	return nil, nil, newError(KindResourceNotFound, name,
		fmt.Errorf("not found in loaders [%s]", strings.Join(tried, ", ")))
}

// Exists reports whether any loader has name. It never loads content.
func (c *Chain) Exists(name string) bool {
	for _, l := range c.loaders {
		_, err := l.ModTime(name)
		if err == nil {
			return true
		}
		if !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("resource loader failed",
				slog.String("loader", l.Name()),
				slog.String("resource", name),
				slog.String("error", err.Error()),
			)
		}
	}
	return false
}

// normalizeName cleans a template name into a slash separated relative path.
func normalizeName(n string) string {
	n = strings.TrimSpace(n)
	n = filepath.ToSlash(n)
	n = path.Clean("/" + n)
	return strings.TrimPrefix(n, "/")
}
