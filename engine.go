package vtl

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/metric"

	"github.com/dangdungcntt/go-vtl/parse"
)

// watchDebounce coalesces editor save bursts into one invalidation.
const watchDebounce = 100 * time.Millisecond

// Runtime owns the loader chain, template cache, macro registry and
// configuration for one template engine deployment. A Runtime is safe for
// concurrent use once Init has returned.
type Runtime struct {
	id string

	initMu sync.Mutex
	ready  atomic.Bool

	propsMu sync.RWMutex
	props   *viper.Viper

	// Fixed by Init.
	cfg       Config
	logger    *slog.Logger
	logCloser io.Closer
	chain     *Chain
	cache     *templateCache
	metrics   *metrics
	watcher   *Watcher

	bootLogger *slog.Logger
	userLogger *slog.Logger
	meters     metric.MeterProvider
	loaders    []Loader
	strings    *StringLoader
	macros     *MacroRegistry
	attrs      sync.Map
}

// Option configures a Runtime at construction.
type Option func(*Runtime)

// WithLogger sends runtime logs to logger instead of the runtime.log.* sink.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		r.userLogger = logger
	}
}

// WithMeterProvider records runtime metrics with provider instead of the
// global OpenTelemetry provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(r *Runtime) {
		r.meters = provider
	}
}

// WithLoaders adds loaders to the chain, after any file loaders and before
// the in-memory string loader.
func WithLoaders(loaders ...Loader) Option {
	return func(r *Runtime) {
		r.loaders = append(r.loaders, loaders...)
	}
}

// WithProperties sets initial properties.
func WithProperties(props map[string]any) Option {
	return func(r *Runtime) {
		for k, v := range props {
			r.props.Set(k, v)
		}
	}
}

// New creates an uninitialized runtime.
func New(opts ...Option) *Runtime {
	props := viper.New()
	setDefaults(props)
	r := &Runtime{
		id:      uuid.NewString(),
		props:   props,
		strings: NewStringLoader(nil),
		macros:  NewMacroRegistry(),
	}
	for _, opt := range opts {
		opt(r)
	}
	boot := r.userLogger
	if boot == nil {
		boot = slog.Default()
	}
	r.bootLogger = boot.With(slog.String("runtime", r.id))
	return r
}

// ID returns the identifier attached to every log record of the runtime.
func (r *Runtime) ID() string {
	return r.id
}

// Init applies the current properties. Calls after a successful Init are
// no-ops. A failed Init leaves the runtime uninitialized.
func (r *Runtime) Init() error {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	if r.ready.Load() {
		return nil
	}
	if err := r.init(); err != nil {
		r.bootLogger.Error("init failed", slog.String("error", err.Error()))
		r.teardown()
		return err
	}
	r.ready.Store(true)
	r.logger.Info("runtime initialized",
		slog.Int("loaders", len(r.chain.loaders)),
		slog.Bool("cache", r.cfg.Resource.Cache.Enabled),
	)
	return nil
}

// InitFile merges the properties in path (.properties, .yaml, .json or
// .toml) over the current ones and calls Init.
func (r *Runtime) InitFile(path string) error {
	if r.ready.Load() {
		return nil
	}
	r.propsMu.Lock()
	r.props.SetConfigFile(path)
	err := r.props.MergeInConfig()
	r.propsMu.Unlock()
	if err != nil {
		err = newError(KindConfig, "", fmt.Errorf("read %s: %w", path, err))
		r.bootLogger.Error("init failed", slog.String("error", err.Error()))
		return err
	}
	return r.Init()
}

// InitWithProperties sets props over the current properties and calls Init.
// Once the runtime is initialized it does nothing.
func (r *Runtime) InitWithProperties(props map[string]any) error {
	if r.ready.Load() {
		return nil
	}
	r.propsMu.Lock()
	for k, v := range props {
		r.props.Set(k, v)
	}
	r.propsMu.Unlock()
	return r.Init()
}

func (r *Runtime) init() error {
	r.propsMu.RLock()
	cfg, err := loadConfig(r.props)
	r.propsMu.RUnlock()
	if err != nil {
		return err
	}
	r.cfg = cfg

	logger := r.userLogger
	if logger == nil {
		if logger, r.logCloser, err = newLogger(cfg.Runtime.Log); err != nil {
			return err
		}
	}
	r.logger = logger.With(slog.String("runtime", r.id))
	r.metrics = newMetrics(r.meters, r.logger)

	if r.chain, err = r.buildChain(cfg); err != nil {
		return err
	}
	r.cache = newTemplateCache(cfg.Resource.Cache, r.chain, r.compile, r.logger, r.metrics)

	for _, name := range cfg.Macro.Library {
		if err := r.loadLibrary(name); err != nil {
			return newError(KindConfig, name, fmt.Errorf("%s: %w", PropMacroLibrary, err))
		}
	}
	if cfg.Resource.Watch {
		if err := r.startWatcher(); err != nil {
			return newError(KindConfig, "", fmt.Errorf("%s: %w", PropResourceWatch, err))
		}
	}
	return nil
}

func (r *Runtime) teardown() {
	if r.watcher != nil {
		_ = r.watcher.Stop()
		r.watcher = nil
	}
	if r.logCloser != nil {
		_ = r.logCloser.Close()
		r.logCloser = nil
	}
	if r.cache != nil {
		r.cache.flush()
	}
	r.macros = NewMacroRegistry()
}

// buildChain assembles the loader chain: file loaders from resource.file.path,
// loaders passed to New, then the string loader. resource.loaders, when set,
// selects and orders them by name.
func (r *Runtime) buildChain(cfg Config) (*Chain, error) {
	var all []Loader
	for _, dir := range cfg.Resource.File.Path {
		all = append(all, NewDirLoader(dir))
	}
	all = append(all, r.loaders...)
	all = append(all, r.strings)

	if len(cfg.Resource.Loaders) == 0 {
		return NewChain(r.logger, all...), nil
	}
	byName := map[string][]Loader{}
	for _, l := range all {
		byName[l.Name()] = append(byName[l.Name()], l)
	}
	var ordered []Loader
	for _, name := range cfg.Resource.Loaders {
		ls, ok := byName[name]
		if !ok {
			return nil, newError(KindConfig, "", fmt.Errorf("%s: unknown loader %q", PropResourceLoaders, name))
		}
		ordered = append(ordered, ls...)
		delete(byName, name)
	}
	return NewChain(r.logger, ordered...), nil
}

func (r *Runtime) loadLibrary(name string) error {
	src, _, err := r.chain.Load(name)
	if err != nil {
		return err
	}
	text, err := decode(src.Data, r.cfg.Input.Encoding)
	if err != nil {
		return newError(KindParse, name, err)
	}
	tree, err := parse.Parse(name, text)
	if err != nil {
		return parseError(name, err)
	}
	for _, m := range macrosFromTree(tree, "") {
		if err := r.macros.Register(m); err != nil {
			return err
		}
	}
	r.logger.Debug("macro library loaded",
		slog.String("template", name),
		slog.Int("macros", len(tree.Macros)),
	)
	return nil
}

func (r *Runtime) startWatcher() error {
	var roots []string
	for _, l := range r.chain.loaders {
		if fl, ok := l.(*FSLoader); ok && fl.Root() != "" {
			roots = append(roots, fl.Root())
		}
	}
	if len(roots) == 0 {
		return nil
	}
	w, err := NewWatcher(WatcherConfig{
		Roots:    roots,
		Debounce: watchDebounce,
		Logger:   r.logger,
		OnChange: func(name string) {
			r.cache.invalidateName(name)
			r.logger.Debug("template changed", slog.String("template", name))
		},
	})
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		_ = w.Stop()
		return err
	}
	r.watcher = w
	return nil
}

func (r *Runtime) ensureReady() error {
	if !r.ready.Load() {
		return ErrNotInitialized
	}
	return nil
}

// compile decodes and parses src, then registers the macros it declares.
func (r *Runtime) compile(src *Source, encoding string) (*Template, error) {
	if encoding == "" {
		encoding = r.cfg.Input.Encoding
	}
	text, err := decode(src.Data, encoding)
	if err != nil {
		return nil, newError(KindParse, src.Name, err)
	}
	tree, err := parse.Parse(src.Name, text)
	if err != nil {
		return nil, parseError(src.Name, err)
	}
	r.registerMacros(tree, src.Name)
	return &Template{
		name:     src.Name,
		encoding: encoding,
		loader:   src.Loader,
		modTime:  src.ModTime,
		tree:     tree,
		rt:       r,
	}, nil
}

// registerMacros publishes the inline macros of tree, local to namespace
// unless macro.inline.local_scope is off.
func (r *Runtime) registerMacros(tree *parse.Tree, namespace string) {
	if r.cfg.Macro.Inline.LocalScope && namespace != "" {
		r.macros.ReplaceNamespace(namespace, macrosFromTree(tree, namespace))
		return
	}
	for _, m := range macrosFromTree(tree, "") {
		_ = r.macros.Register(m)
	}
}

func (r *Runtime) resolve(name, encoding string) (*Template, error) {
	if encoding == "" {
		encoding = r.cfg.Input.Encoding
	}
	if _, err := lookupEncoding(encoding); err != nil {
		return nil, newError(KindParse, name, err)
	}
	return r.cache.resolve(cacheKey{name: name, encoding: encoding})
}

// GetTemplate returns the compiled template for name, loading it on first
// use and reloading it when its source changes.
func (r *Runtime) GetTemplate(name string, encoding ...string) (*Template, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	tmpl, err := r.resolve(name, optional(encoding))
	if err != nil {
		logFailure(r.logger, "get template", name, err)
		return nil, err
	}
	return tmpl, nil
}

// MergeTemplate renders the named template with ctx into w.
func (r *Runtime) MergeTemplate(w io.Writer, name string, ctx *Context, encoding ...string) error {
	if err := r.ensureReady(); err != nil {
		return err
	}
	tmpl, err := r.resolve(name, optional(encoding))
	if err != nil {
		logFailure(r.logger, "merge", name, err)
		return err
	}
	return r.merge(w, tmpl, ctx)
}

func (r *Runtime) merge(w io.Writer, t *Template, ctx *Context) error {
	if err := r.ensureReady(); err != nil {
		return err
	}
	start := time.Now()
	err := r.render(w, t.name, t.name, t.tree, ctx, nil)
	r.metrics.rendered(t.name, time.Since(start), err)
	if err != nil {
		logFailure(r.logger, "merge", t.name, err)
	}
	return err
}

// render executes tree into w, with inline macros visible to tree itself.
// Scopes pushed during the render are popped before it returns, whatever the outcome.
func (r *Runtime) render(w io.Writer, name, namespace string, tree *parse.Tree, ctx *Context, inline map[string]*Macro) error {
	if ctx == nil {
		ctx = NewContext(nil)
	}
	out, flush, err := encodeWriter(w, r.cfg.Output.Encoding)
	if err != nil {
		return newError(KindConfig, name, err)
	}
	depth := ctx.Depth()
	s := r.newState(out, name, namespace, ctx)
	s.inline = inline
	err = s.execute(tree.Root)
	ctx.restore(depth)
	if ferr := flush(); ferr != nil && err == nil {
		err = ioError(name, ferr)
	}
	return err
}

// Evaluate compiles the UTF-8 template read from in and renders it into w.
// The source is not cached. logTag names the source in errors and logs.
// Macros it declares are visible to this render only, unless
// macro.inline.local_scope is off and they become global.
func (r *Runtime) Evaluate(ctx *Context, w io.Writer, logTag string, in io.Reader) error {
	return r.EvaluateStream(ctx, w, logTag, in, DefaultEncoding)
}

// EvaluateString is Evaluate for a template held in a string.
func (r *Runtime) EvaluateString(ctx *Context, w io.Writer, logTag, text string) error {
	if err := r.ensureReady(); err != nil {
		return err
	}
	return r.evaluate(ctx, w, logTag, text)
}

// EvaluateBytes is Evaluate for encoded bytes. An empty encoding means input.encoding.
func (r *Runtime) EvaluateBytes(ctx *Context, w io.Writer, logTag string, data []byte, encoding string) error {
	if err := r.ensureReady(); err != nil {
		return err
	}
	if encoding == "" {
		encoding = r.cfg.Input.Encoding
	}
	text, err := decode(data, encoding)
	if err != nil {
		err = newError(KindParse, logTag, err)
		logFailure(r.logger, "evaluate", logTag, err)
		return err
	}
	return r.evaluate(ctx, w, logTag, text)
}

// EvaluateStream is Evaluate for a byte stream in encoding. An empty
// encoding means input.encoding. An unsupported encoding is a parse error.
func (r *Runtime) EvaluateStream(ctx *Context, w io.Writer, logTag string, in io.Reader, encoding string) error {
	if err := r.ensureReady(); err != nil {
		return err
	}
	if encoding == "" {
		encoding = r.cfg.Input.Encoding
	}
	dec, err := decodeReader(in, encoding)
	if err != nil {
		err = newError(KindParse, logTag, err)
		logFailure(r.logger, "evaluate", logTag, err)
		return err
	}
	var b strings.Builder
	if _, err := io.Copy(&b, dec); err != nil {
		err = newError(KindIO, logTag, err)
		logFailure(r.logger, "evaluate", logTag, err)
		return err
	}
	return r.evaluate(ctx, w, logTag, b.String())
}

func (r *Runtime) evaluate(ctx *Context, w io.Writer, logTag, text string) error {
	tree, err := parse.Parse(logTag, text)
	if err != nil {
		err = parseError(logTag, err)
		logFailure(r.logger, "evaluate", logTag, err)
		return err
	}
	var inline map[string]*Macro
	if r.cfg.Macro.Inline.LocalScope {
		inline = make(map[string]*Macro, len(tree.Macros))
		for _, m := range macrosFromTree(tree, logTag) {
			inline[m.Name] = m
		}
	} else {
		r.registerMacros(tree, "")
	}

	start := time.Now()
	err = r.render(w, logTag, logTag, tree, ctx, inline)
	r.metrics.rendered(logTag, time.Since(start), err)
	if err != nil {
		logFailure(r.logger, "evaluate", logTag, err)
	}
	return err
}

// InvokeMacro renders macro name into w. Each entry of params names a
// context key whose value is bound to the macro parameter at the same
// position. namespace selects which local macros are visible, usually a
// template name or log tag. It returns false, nil when no macro is found.
func (r *Runtime) InvokeMacro(w io.Writer, name, namespace string, params []string, ctx *Context) (bool, error) {
	if err := r.ensureReady(); err != nil {
		return false, err
	}
	m, ok := r.macros.Lookup(name, namespace)
	if !ok {
		r.logger.Debug("macro not found",
			slog.String("macro", name),
			slog.String("namespace", namespace),
		)
		return false, nil
	}
	if ctx == nil {
		ctx = NewContext(nil)
	}
	args := make([]any, len(params))
	for i, p := range params {
		args[i], _ = ctx.Get(strings.TrimPrefix(p, "$"))
	}

	out, flush, err := encodeWriter(w, r.cfg.Output.Encoding)
	if err != nil {
		return false, newError(KindConfig, namespace, err)
	}
	tag := namespace
	if tag == "" {
		tag = "#" + name
	}
	err = r.newState(out, tag, namespace, ctx).invoke(m, args, m.pos)
	if errors.Is(err, errStop) {
		err = nil
	}
	if ferr := flush(); ferr != nil && err == nil {
		err = ioError(tag, ferr)
	}
	if err != nil {
		logFailure(r.logger, "invoke macro", tag, err)
		return false, err
	}
	return true, nil
}

// ResourceExists reports whether any loader has name. It does not touch the
// cache and reports false before Init.
func (r *Runtime) ResourceExists(name string) bool {
	if r.ensureReady() != nil {
		return false
	}
	return r.chain.Exists(name)
}

// TemplateExists is ResourceExists.
func (r *Runtime) TemplateExists(name string) bool {
	return r.ResourceExists(name)
}

// SetProperty sets a property. Properties are read by Init; later changes
// are stored but do not reconfigure a running runtime.
func (r *Runtime) SetProperty(key string, value any) {
	r.propsMu.Lock()
	defer r.propsMu.Unlock()
	r.props.Set(key, value)
}

// AddProperty appends value to a list property, turning a scalar into a list.
func (r *Runtime) AddProperty(key string, value any) {
	r.propsMu.Lock()
	defer r.propsMu.Unlock()

	var list []any
	switch cur := r.props.Get(key).(type) {
	case nil:
	case []any:
		list = append(list, cur...)
	case []string:
		for _, s := range cur {
			list = append(list, s)
		}
	case string:
		if cur != "" {
			list = append(list, cur)
		}
	default:
		list = append(list, cur)
	}
	r.props.Set(key, append(list, value))
}

// ClearProperty removes an explicitly set value, restoring the default.
func (r *Runtime) ClearProperty(key string) {
	r.propsMu.Lock()
	defer r.propsMu.Unlock()
	r.props.Set(key, nil)
}

// GetProperty returns the current value of a property.
func (r *Runtime) GetProperty(key string) any {
	r.propsMu.RLock()
	defer r.propsMu.RUnlock()
	return r.props.Get(key)
}

// Config returns the configuration fixed by Init.
func (r *Runtime) Config() (Config, error) {
	if err := r.ensureReady(); err != nil {
		return Config{}, err
	}
	return r.cfg, nil
}

// Logger returns the runtime logger.
func (r *Runtime) Logger() *slog.Logger {
	if r.ready.Load() {
		return r.logger
	}
	return r.bootLogger
}

// StringLoader returns the in-memory loader that is part of every chain.
func (r *Runtime) StringLoader() *StringLoader {
	return r.strings
}

// Macros returns the macro registry.
func (r *Runtime) Macros() *MacroRegistry {
	return r.macros
}

// SetApplicationAttribute stores value under key and returns the previous value.
func (r *Runtime) SetApplicationAttribute(key, value any) any {
	prev, _ := r.attrs.Swap(key, value)
	return prev
}

// GetApplicationAttribute returns the value stored under key, or nil.
func (r *Runtime) GetApplicationAttribute(key any) any {
	v, _ := r.attrs.Load(key)
	return v
}

// Invalidate drops every cached copy of name so the next use reloads it.
func (r *Runtime) Invalidate(name string) {
	if r.ensureReady() != nil {
		return
	}
	r.cache.invalidateName(name)
}

// Close stops the watcher, closes the log sink and returns the runtime to the
// uninitialized state.
func (r *Runtime) Close() error {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	if !r.ready.Swap(false) {
		return nil
	}
	r.logger.Info("runtime closed")
	r.teardown()
	return nil
}

func optional(s []string) string {
	if len(s) > 0 {
		return s[0]
	}
	return ""
}
