package vtl

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestRuntime_OperationsBeforeInit(t *testing.T) {
	rt := New(WithLogger(discardLogger()))
	var b strings.Builder

	_, err := rt.GetTemplate("a.vm")
	require.ErrorIs(t, err, ErrNotInitialized)
	require.ErrorIs(t, rt.MergeTemplate(&b, "a.vm", nil), ErrNotInitialized)
	require.ErrorIs(t, rt.EvaluateString(nil, &b, "x", "text"), ErrNotInitialized)
	require.ErrorIs(t, rt.Evaluate(nil, &b, "x", strings.NewReader("text")), ErrNotInitialized)
	ok, err := rt.InvokeMacro(&b, "m", "", nil, nil)
	require.ErrorIs(t, err, ErrNotInitialized)
	require.False(t, ok)
	_, err = rt.Config()
	require.ErrorIs(t, err, ErrNotInitialized)

	rt.StringLoader().Put("a.vm", "x")
	require.False(t, rt.ResourceExists("a.vm"))
	require.Empty(t, b.String())
}

func TestRuntime_InitIsIdempotent(t *testing.T) {
	rt := newTestRuntime(t, nil)
	require.NoError(t, rt.Init())
	require.NoError(t, rt.Init())

	cfg, err := rt.Config()
	require.NoError(t, err)
	require.Equal(t, DefaultEncoding, cfg.Input.Encoding)
	require.True(t, cfg.Resource.Cache.Enabled)
	require.Equal(t, 2*time.Second, cfg.Resource.Cache.CheckInterval)
}

func TestRuntime_FailedInitCanBeRetried(t *testing.T) {
	rt := New(WithLogger(discardLogger()), WithProperties(map[string]any{
		PropInputEncoding: "klingon",
	}))

	err := rt.Init()
	require.ErrorIs(t, err, ErrConfig)
	require.Contains(t, err.Error(), PropInputEncoding)
	_, err = rt.GetTemplate("a.vm")
	require.ErrorIs(t, err, ErrNotInitialized)

	rt.SetProperty(PropInputEncoding, "ISO-8859-1")
	require.NoError(t, rt.Init())
	t.Cleanup(func() { _ = rt.Close() })

	cfg, err := rt.Config()
	require.NoError(t, err)
	require.Equal(t, "ISO-8859-1", cfg.Input.Encoding)
}

func TestRuntime_InitConfigErrors(t *testing.T) {
	tests := []struct {
		name  string
		props map[string]any
	}{
		{"unknown loader", map[string]any{PropResourceLoaders: []string{"string", "nope"}}},
		{"bad log level", map[string]any{PropLogLevel: "loud"}},
		{"bad log format", map[string]any{PropLogFormat: "xml"}},
		{"bad output encoding", map[string]any{PropOutputEncoding: "nope"}},
		{"zero macro depth", map[string]any{PropMacroMaxDepth: 0}},
		{"zero parse depth", map[string]any{PropParseMaxDepth: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := New(WithLogger(discardLogger()), WithProperties(tt.props))
			require.ErrorIs(t, rt.Init(), ErrConfig)
		})
	}
}

func TestRuntime_MissingMacroLibrary(t *testing.T) {
	rt := New(WithLogger(discardLogger()), WithProperties(map[string]any{
		PropMacroLibrary: []string{"missing.vm"},
	}))
	err := rt.Init()
	require.ErrorIs(t, err, ErrConfig)
	require.ErrorIs(t, err, ErrResourceNotFound)
}

func TestRuntime_MacroLibraryWithSyntaxError(t *testing.T) {
	rt := New(WithLogger(discardLogger()), WithProperties(map[string]any{
		PropMacroLibrary: []string{"lib.vm"},
	}))
	rt.StringLoader().Put("lib.vm", "#macro(broken")
	err := rt.Init()
	require.ErrorIs(t, err, ErrConfig)
	require.ErrorIs(t, err, ErrParse)
}

// newLibraryRuntime initializes a runtime whose global macro library is lib.vm.
func newLibraryRuntime(t *testing.T, props map[string]any) *Runtime {
	t.Helper()
	all := map[string]any{PropMacroLibrary: []string{"lib.vm"}}
	for k, v := range props {
		all[k] = v
	}
	rt := New(WithLogger(discardLogger()), WithProperties(all))
	rt.StringLoader().Put("lib.vm", "#macro(greet $name)Hello, ${name}!#end")
	require.NoError(t, rt.Init())
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestRuntime_InvokeMacro(t *testing.T) {
	rt := newLibraryRuntime(t, nil)
	ctx := NewContext(map[string]any{"user": "Ada"})

	var b strings.Builder
	ok, err := rt.InvokeMacro(&b, "greet", "", []string{"user"}, ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Hello, Ada!", b.String())

	b.Reset()
	ok, err = rt.InvokeMacro(&b, "greet", "", []string{"$user"}, ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Hello, Ada!", b.String())

	b.Reset()
	ok, err = rt.InvokeMacro(&b, "greet", "", nil, ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Hello, ${name}!", b.String())
	require.Equal(t, 1, ctx.Depth())

	b.Reset()
	ok, err = rt.InvokeMacro(&b, "nope", "", nil, ctx)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, b.String())
}

func TestRuntime_InvokeMacroSinkFailure(t *testing.T) {
	rt := newLibraryRuntime(t, nil)
	w := &failingWriter{limit: 2}

	ok, err := rt.InvokeMacro(w, "greet", "", []string{"user"}, NewContext(map[string]any{"user": "Ada"}))
	require.False(t, ok)
	require.ErrorIs(t, err, ErrIO)
	require.ErrorIs(t, err, errSinkClosed)
}

func TestRuntime_InlineMacrosAreLocalByDefault(t *testing.T) {
	rt := newTestRuntime(t, nil)
	rt.StringLoader().Put("a.vm", "#macro(m)A#end")
	_, err := rt.GetTemplate("a.vm")
	require.NoError(t, err)

	var b strings.Builder
	ok, err := rt.InvokeMacro(&b, "m", "a.vm", nil, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "A", b.String())

	ok, err = rt.InvokeMacro(&b, "m", "b.vm", nil, nil)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := evalString(t, rt, nil, "#m()")
	require.NoError(t, err)
	require.Equal(t, "#m()", got, "other sources do not see local macros")
}

func TestRuntime_EvaluatedMacrosLastOneRender(t *testing.T) {
	rt := newTestRuntime(t, nil)
	for i := range 50 {
		tag := fmt.Sprintf("request-%d", i)
		var b strings.Builder
		require.NoError(t, rt.EvaluateString(nil, &b, tag, "#macro(m)M#end#m()"))
		require.Equal(t, "M", b.String())

		ok, err := rt.InvokeMacro(&b, "m", tag, nil, nil)
		require.NoError(t, err)
		require.False(t, ok)
	}
	require.Empty(t, rt.macros.local)
}

func TestRuntime_EvaluatedMacrosWithSharedTag(t *testing.T) {
	rt := newTestRuntime(t, nil)
	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			want := fmt.Sprint(i)
			var b strings.Builder
			err := rt.EvaluateString(nil, &b, "shared", "#macro(id)"+want+"#end#foreach($n in [1..20])#id()#end")
			if err == nil && b.String() != strings.Repeat(want, 20) {
				err = fmt.Errorf("render %d got %q", i, b.String())
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestRuntime_InlineMacrosCanBeGlobal(t *testing.T) {
	rt := newTestRuntime(t, map[string]any{PropMacroInlineLocal: false})
	var b strings.Builder
	require.NoError(t, rt.EvaluateString(nil, &b, "a", "#macro(m)A#end"))

	got, err := evalString(t, rt, nil, "#m()")
	require.NoError(t, err)
	require.Equal(t, "A", got)
}

func TestRuntime_LocalMacroShadowsLibrary(t *testing.T) {
	rt := newLibraryRuntime(t, nil)
	rt.StringLoader().Put("page.vm", `#macro(greet $n)Local $n#end#greet("x")`)
	rt.StringLoader().Put("other.vm", `#greet("x")`)

	var b strings.Builder
	require.NoError(t, rt.MergeTemplate(&b, "page.vm", nil))
	require.Equal(t, "Local x", b.String())

	b.Reset()
	require.NoError(t, rt.MergeTemplate(&b, "other.vm", nil))
	require.Equal(t, "Hello, x!", b.String())
}

func TestRuntime_ParsedTemplateUsesItsOwnMacros(t *testing.T) {
	rt := newTestRuntime(t, nil)
	rt.StringLoader().Put("child.vm", `#macro(label)child#end#label()`)

	got, err := evalString(t, rt, nil, `#macro(label)parent#end#label() #parse("child.vm") #label()`)
	require.NoError(t, err)
	require.Equal(t, "parent child parent", got)
}

func TestRuntime_ResourceExists(t *testing.T) {
	rt := newTestRuntime(t, nil)
	require.False(t, rt.ResourceExists("a.vm"))
	require.False(t, rt.TemplateExists("a.vm"))

	rt.StringLoader().Put("a.vm", "x")
	require.True(t, rt.ResourceExists("a.vm"))
	require.True(t, rt.TemplateExists("a.vm"))
}

func TestRuntime_ResourceExistsLeavesCacheAlone(t *testing.T) {
	loader := newCountingLoader()
	loader.set("a.vm", "x", time.Now())
	rt := newTestRuntime(t, nil, WithLoaders(loader))

	require.True(t, rt.ResourceExists("a.vm"))
	require.False(t, rt.ResourceExists("missing.vm"))
	require.Zero(t, rt.cache.count())
	require.Zero(t, loader.loads.Load())

	tmpl, err := rt.GetTemplate("a.vm")
	require.NoError(t, err)
	require.Equal(t, 1, rt.cache.count())
	require.EqualValues(t, 1, loader.loads.Load())

	require.True(t, rt.ResourceExists("a.vm"))
	require.False(t, rt.ResourceExists("missing.vm"))
	require.Equal(t, 1, rt.cache.count())
	require.EqualValues(t, 1, loader.loads.Load())

	again, err := rt.GetTemplate("a.vm")
	require.NoError(t, err)
	require.Same(t, tmpl, again)
}

func TestRuntime_GetTemplate(t *testing.T) {
	rt := newTestRuntime(t, nil)
	rt.StringLoader().Put("a.vm", "#macro(x)#end#macro(y)#end$v")

	tmpl, err := rt.GetTemplate("a.vm")
	require.NoError(t, err)
	require.Equal(t, "a.vm", tmpl.Name())
	require.Equal(t, DefaultEncoding, tmpl.Encoding())
	require.Equal(t, "string", tmpl.Loader())
	require.Equal(t, []string{"x", "y"}, tmpl.Macros())

	var b strings.Builder
	require.NoError(t, tmpl.Merge(&b, NewContext(map[string]any{"v": 1})))
	require.Equal(t, "1", b.String())

	_, err = rt.GetTemplate("missing.vm")
	require.ErrorIs(t, err, ErrResourceNotFound)

	_, err = rt.GetTemplate("a.vm", "nope")
	require.ErrorIs(t, err, ErrParse)
}

func TestRuntime_EncodingErrors(t *testing.T) {
	rt := newTestRuntime(t, nil)
	var b strings.Builder

	err := rt.EvaluateStream(nil, &b, "mytag", strings.NewReader("x"), "nope-encoding")
	require.ErrorIs(t, err, ErrParse)
	var e *Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, "mytag", e.Template)

	err = rt.EvaluateBytes(nil, &b, "mytag", []byte("x"), "nope-encoding")
	require.ErrorIs(t, err, ErrParse)
	require.Empty(t, b.String())
}

func TestRuntime_InputEncodings(t *testing.T) {
	rt := newTestRuntime(t, nil)
	latin1 := []byte{'c', 'a', 'f', 0xe9}

	var b strings.Builder
	require.NoError(t, rt.EvaluateBytes(nil, &b, "bytes", latin1, "ISO-8859-1"))
	require.Equal(t, "café", b.String())

	b.Reset()
	require.NoError(t, rt.EvaluateStream(nil, &b, "stream", bytes.NewReader(latin1), "ISO-8859-1"))
	require.Equal(t, "café", b.String())

	b.Reset()
	require.NoError(t, rt.Evaluate(nil, &b, "utf8", strings.NewReader("café")))
	require.Equal(t, "café", b.String())
}

func TestRuntime_TemplateEncoding(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "latin.vm", "caf\xe9 $x")
	rt := newTestRuntime(t, map[string]any{PropFileLoaderPath: []string{dir}})
	ctx := NewContext(map[string]any{"x": "ok"})

	var b strings.Builder
	require.NoError(t, rt.MergeTemplate(&b, "latin.vm", ctx, "ISO-8859-1"))
	require.Equal(t, "café ok", b.String())

	latin, err := rt.GetTemplate("latin.vm", "ISO-8859-1")
	require.NoError(t, err)
	utf, err := rt.GetTemplate("latin.vm")
	require.NoError(t, err)
	require.NotSame(t, latin, utf, "each encoding is cached separately")
}

func TestRuntime_OutputEncoding(t *testing.T) {
	rt := newTestRuntime(t, map[string]any{PropOutputEncoding: "ISO-8859-1"})
	var b bytes.Buffer
	require.NoError(t, rt.EvaluateString(nil, &b, "out", "café"))
	require.Equal(t, []byte{'c', 'a', 'f', 0xe9}, b.Bytes())
}

func TestRuntime_FileTemplateReloadsWhenModified(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "pages/a.vm", "v1")
	rt := newTestRuntime(t, map[string]any{
		PropFileLoaderPath:     []string{dir},
		PropCacheCheckInterval: "0s",
	})

	render := func() string {
		var b strings.Builder
		require.NoError(t, rt.MergeTemplate(&b, "pages/a.vm", nil))
		return b.String()
	}
	first, err := rt.GetTemplate("pages/a.vm")
	require.NoError(t, err)
	require.Equal(t, "file", first.Loader())
	require.Equal(t, "v1", render())

	again, err := rt.GetTemplate("pages/a.vm")
	require.NoError(t, err)
	require.Same(t, first, again)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	touch(t, path, time.Hour)
	require.Equal(t, "v2", render())
}

func TestRuntime_BrokenEditKeepsServingPreviousTemplate(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.vm", "good")
	rt := newTestRuntime(t, map[string]any{
		PropFileLoaderPath:     []string{dir},
		PropCacheCheckInterval: "0s",
	})

	good, err := rt.GetTemplate("a.vm")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("#if("), 0o644))
	touch(t, path, time.Hour)
	_, err = rt.GetTemplate("a.vm")
	require.ErrorIs(t, err, ErrParse)

	var b strings.Builder
	require.NoError(t, good.Merge(&b, nil), "a compiled template stays usable")
	require.Equal(t, "good", b.String())
}

func TestRuntime_InvalidateReloadsStringTemplate(t *testing.T) {
	rt := newTestRuntime(t, nil)
	rt.StringLoader().Put("s.vm", "one")

	render := func() string {
		var b strings.Builder
		require.NoError(t, rt.MergeTemplate(&b, "s.vm", nil))
		return b.String()
	}
	require.Equal(t, "one", render())

	rt.StringLoader().Put("s.vm", "two")
	require.Equal(t, "one", render(), "string templates carry no modification time")

	rt.Invalidate("s.vm")
	require.Equal(t, "two", render())
}

func TestRuntime_CacheDisabled(t *testing.T) {
	rt := newTestRuntime(t, map[string]any{PropCacheEnabled: false})
	rt.StringLoader().Put("s.vm", "one")

	a, err := rt.GetTemplate("s.vm")
	require.NoError(t, err)
	rt.StringLoader().Put("s.vm", "two")
	b, err := rt.GetTemplate("s.vm")
	require.NoError(t, err)
	require.NotSame(t, a, b)

	var out strings.Builder
	require.NoError(t, b.Merge(&out, nil))
	require.Equal(t, "two", out.String())
}

func TestRuntime_LoaderOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.vm", "file")
	fn := LoaderFunc(func(name string) ([]byte, error) {
		return []byte("func"), nil
	})

	rt := newTestRuntime(t, map[string]any{PropFileLoaderPath: []string{dir}}, WithLoaders(fn))
	rt.StringLoader().Put("a.vm", "string")
	tmpl, err := rt.GetTemplate("a.vm")
	require.NoError(t, err)
	require.Equal(t, "file", tmpl.Loader())

	rt = newTestRuntime(t, map[string]any{
		PropFileLoaderPath:  []string{dir},
		PropResourceLoaders: []string{"string", "func"},
	}, WithLoaders(fn))
	rt.StringLoader().Put("a.vm", "string")
	tmpl, err = rt.GetTemplate("a.vm")
	require.NoError(t, err)
	require.Equal(t, "string", tmpl.Loader())

	tmpl, err = rt.GetTemplate("other.vm")
	require.NoError(t, err)
	require.Equal(t, "func", tmpl.Loader())
}

func TestRuntime_Properties(t *testing.T) {
	rt := New(WithLogger(discardLogger()))

	rt.SetProperty("custom.key", "v")
	require.Equal(t, "v", rt.GetProperty("custom.key"))

	rt.AddProperty(PropFileLoaderPath, "a")
	rt.AddProperty(PropFileLoaderPath, "b")
	require.Equal(t, []any{"a", "b"}, rt.GetProperty(PropFileLoaderPath))

	rt.SetProperty(PropMacroLibrary, "one.vm")
	rt.AddProperty(PropMacroLibrary, "two.vm")
	require.Equal(t, []any{"one.vm", "two.vm"}, rt.GetProperty(PropMacroLibrary))

	rt.SetProperty(PropCacheEnabled, false)
	require.Equal(t, false, rt.GetProperty(PropCacheEnabled))
	rt.ClearProperty(PropCacheEnabled)
	require.Equal(t, true, rt.GetProperty(PropCacheEnabled), "clearing restores the default")
}

func TestRuntime_PropertiesAfterInitDoNotReconfigure(t *testing.T) {
	rt := newTestRuntime(t, nil)
	rt.SetProperty(PropReferencePlaceholder, "?")

	got, err := evalString(t, rt, nil, "$missing")
	require.NoError(t, err)
	require.Equal(t, "$missing", got)
	require.Equal(t, "?", rt.GetProperty(PropReferencePlaceholder))
}

func TestRuntime_InitFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "views/hello.vm", "Hello $name")
	props := writeFile(t, dir, "vtl.properties", fmt.Sprintf(
		"runtime.log.sink = discard\nresource.file.path = %s\nresource.cache.check_interval = 5s\n",
		filepath.Join(dir, "views"),
	))

	rt := New(WithLogger(discardLogger()))
	require.NoError(t, rt.InitFile(props))
	t.Cleanup(func() { _ = rt.Close() })

	cfg, err := rt.Config()
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "views")}, cfg.Resource.File.Path)
	require.Equal(t, 5*time.Second, cfg.Resource.Cache.CheckInterval)

	var b strings.Builder
	require.NoError(t, rt.MergeTemplate(&b, "hello.vm", NewContext(map[string]any{"name": "Ada"})))
	require.Equal(t, "Hello Ada", b.String())
}

func TestRuntime_InitFileMissing(t *testing.T) {
	rt := New(WithLogger(discardLogger()))
	err := rt.InitFile(filepath.Join(t.TempDir(), "missing.properties"))
	require.ErrorIs(t, err, ErrConfig)
}

func TestRuntime_ApplicationAttributes(t *testing.T) {
	rt := New(WithLogger(discardLogger()))
	require.Nil(t, rt.GetApplicationAttribute("k"))
	require.Nil(t, rt.SetApplicationAttribute("k", 1))
	require.Equal(t, 1, rt.SetApplicationAttribute("k", 2))
	require.Equal(t, 2, rt.GetApplicationAttribute("k"))
}

func TestRuntime_Close(t *testing.T) {
	rt := New(WithLogger(discardLogger()), WithProperties(map[string]any{PropMacroLibrary: []string{"lib.vm"}}))
	rt.StringLoader().Put("lib.vm", "#macro(m)#end")
	require.NoError(t, rt.Init())
	require.NotEmpty(t, rt.Macros().Names(""))

	require.NoError(t, rt.Close())
	require.NoError(t, rt.Close())
	require.ErrorIs(t, rt.EvaluateString(nil, &strings.Builder{}, "x", ""), ErrNotInitialized)
	require.Empty(t, rt.Macros().Names(""))

	require.NoError(t, rt.Init(), "a closed runtime can be initialized again")
	require.NotEmpty(t, rt.Macros().Names(""))
	require.NoError(t, rt.Close())
}

func TestRuntime_LogsCarryRuntimeID(t *testing.T) {
	var buf bytes.Buffer
	rt := New(WithLogger(slog.New(slog.NewJSONHandler(&buf, nil))))
	require.NoError(t, rt.Init())
	t.Cleanup(func() { _ = rt.Close() })

	_, err := rt.GetTemplate("missing.vm")
	require.Error(t, err)

	out := buf.String()
	require.Contains(t, out, `"runtime":"`+rt.ID()+`"`)
	require.Contains(t, out, `"msg":"get template failed"`)
	require.Contains(t, out, `"level":"WARN"`)
	require.NotNil(t, rt.Logger())
}

func TestRuntime_LogFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vtl.log")
	rt := New(WithProperties(map[string]any{
		PropLogSink:   path,
		PropLogFormat: "json",
		PropLogLevel:  "debug",
	}))
	require.NoError(t, rt.Init())
	var b strings.Builder
	require.Error(t, rt.EvaluateString(nil, &b, "broken", "#if("))
	require.NoError(t, rt.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"evaluate failed"`)
	require.Contains(t, string(data), `"template":"broken"`)
	require.Contains(t, string(data), `"msg":"runtime closed"`)
}

func TestRuntime_ConcurrentMerges(t *testing.T) {
	rt := newTestRuntime(t, map[string]any{PropCacheCheckInterval: "0s"})
	rt.StringLoader().Put("page.vm", "#macro(item $i)[$i]#end#foreach($i in [1..3])#item($i)#end $who")

	var wg sync.WaitGroup
	errs := make([]error, 16)
	outs := make([]string, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var b strings.Builder
			errs[i] = rt.MergeTemplate(&b, "page.vm", NewContext(map[string]any{"who": i}))
			outs[i] = b.String()
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		require.Equal(t, fmt.Sprintf("[1][2][3] %d", i), outs[i])
	}
}

func TestError_Format(t *testing.T) {
	rt := newTestRuntime(t, nil)
	rt.StringLoader().Put("bad.vm", "ok\n  #set($x = )")

	_, err := rt.GetTemplate("bad.vm")
	require.ErrorIs(t, err, ErrParse)
	require.Equal(t, `[bad.vm:2:13] parse error: unexpected ')' in expression`, err.Error())

	e := newError(KindIO, "out.vm", nil)
	require.Equal(t, "[out.vm] i/o failure", e.Error())
	require.Equal(t, "unknown error", Kind(0).String())
}
