package vtl

import (
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

type cacheKey struct {
	name     string
	encoding string
}

func (k cacheKey) String() string {
	return k.encoding + "\x00" + k.name
}

type cacheEntry struct {
	tmpl   *Template
	loader Loader
	// checked is the Unix nano time of the last modification check that found the template current.
	checked atomic.Int64
}

type compileFunc func(src *Source, encoding string) (*Template, error)

// templateCache maps resource keys to compiled templates. A key is compiled
// by at most one caller at a time; concurrent callers share the result.
type templateCache struct {
	enabled  bool
	interval time.Duration
	items    *gocache.Cache
	group    singleflight.Group
	chain    *Chain
	compile  compileFunc
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics
}

func newTemplateCache(cfg CacheConfig, chain *Chain, compile compileFunc, logger *slog.Logger, m *metrics) *templateCache {
	expiration, cleanup := gocache.NoExpiration, time.Duration(0)
	if cfg.Expiration > 0 {
		expiration, cleanup = cfg.Expiration, cfg.Expiration
	}
	return &templateCache{
		enabled:  cfg.Enabled,
		interval: cfg.CheckInterval,
		items:    gocache.New(expiration, cleanup),
		chain:    chain,
		compile:  compile,
		now:      time.Now,
		logger:   logger,
		metrics:  m,
	}
}

// resolve returns the compiled template for key, loading and compiling it
// when it is missing or its source has changed. A failed load or compile
// leaves any previous entry in place.
func (c *templateCache) resolve(key cacheKey) (*Template, error) {
	if !c.enabled {
		c.metrics.miss()
		tmpl, _, err := c.load(key)
		return tmpl, err
	}

	var stale *cacheEntry
	if e, ok := c.get(key); ok {
		if c.fresh(e) {
			c.metrics.hit()
			return e.tmpl, nil
		}
		stale = e
	}
	c.metrics.miss()

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		// Another caller may have published since we looked.
		if e, ok := c.get(key); ok && e != stale {
			return e.tmpl, nil
		}
		tmpl, loader, err := c.load(key)
		if err != nil {
			return nil, err
		}
		e := &cacheEntry{tmpl: tmpl, loader: loader}
		e.checked.Store(c.now().UnixNano())
		c.items.SetDefault(key.String(), e)
		c.logger.Debug("template cached",
			slog.String("template", key.name),
			slog.String("loader", loader.Name()),
		)
		return tmpl, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Template), nil
}

func (c *templateCache) load(key cacheKey) (*Template, Loader, error) {
	src, loader, err := c.chain.Load(key.name)
	if err != nil {
		return nil, nil, err
	}
	tmpl, err := c.compile(src, key.encoding)
	if err != nil {
		return nil, nil, err
	}
	c.metrics.compiled(loader.Name())
	return tmpl, loader, nil
}

func (c *templateCache) get(key cacheKey) (*cacheEntry, bool) {
	v, ok := c.items.Get(key.String())
	if !ok {
		return nil, false
	}
	e, ok := v.(*cacheEntry)
	return e, ok
}

// fresh reports whether e can be served without reloading.
func (c *templateCache) fresh(e *cacheEntry) bool {
	if e.tmpl.modTime.IsZero() || c.interval < 0 {
		return true
	}
	now := c.now()
	if c.interval > 0 && now.Sub(time.Unix(0, e.checked.Load())) < c.interval {
		return true
	}
	mod, err := e.loader.ModTime(e.tmpl.name)
	if err != nil {
		c.logger.Debug("modification check failed",
			slog.String("template", e.tmpl.name),
			slog.String("error", err.Error()),
		)
		return false
	}
	if !mod.Equal(e.tmpl.modTime) {
		return false
	}
	e.checked.Store(now.UnixNano())
	return true
}

func (c *templateCache) invalidate(key cacheKey) {
	c.items.Delete(key.String())
}

// invalidateName drops name under every encoding.
func (c *templateCache) invalidateName(name string) {
	want := normalizeName(name)
	for k := range c.items.Items() {
		_, cached, _ := strings.Cut(k, "\x00")
		if cached == name || normalizeName(cached) == want {
			c.items.Delete(k)
		}
	}
}

func (c *templateCache) flush() {
	c.items.Flush()
}

func (c *templateCache) count() int {
	return c.items.ItemCount()
}
