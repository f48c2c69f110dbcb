package vtl

import (
	"io"
	"log/slog"
	"sync/atomic"
)

var defaultRuntime atomic.Pointer[Runtime]

func init() {
	defaultRuntime.Store(New())
}

// Default returns the runtime behind the package-level functions.
func Default() *Runtime {
	return defaultRuntime.Load()
}

// SetDefault replaces the runtime behind the package-level functions and
// returns the previous one. The caller owns closing it.
func SetDefault(r *Runtime) *Runtime {
	return defaultRuntime.Swap(r)
}

// Init initializes the default runtime.
func Init() error {
	return Default().Init()
}

// InitFile initializes the default runtime from a properties file.
func InitFile(path string) error {
	return Default().InitFile(path)
}

// InitWithProperties initializes the default runtime with props.
func InitWithProperties(props map[string]any) error {
	return Default().InitWithProperties(props)
}

func SetProperty(key string, value any) {
	Default().SetProperty(key, value)
}

func AddProperty(key string, value any) {
	Default().AddProperty(key, value)
}

func ClearProperty(key string) {
	Default().ClearProperty(key)
}

func GetProperty(key string) any {
	return Default().GetProperty(key)
}

// Evaluate renders the template read from in with the default runtime.
func Evaluate(ctx *Context, w io.Writer, logTag string, in io.Reader) error {
	return Default().Evaluate(ctx, w, logTag, in)
}

func EvaluateString(ctx *Context, w io.Writer, logTag, text string) error {
	return Default().EvaluateString(ctx, w, logTag, text)
}

func EvaluateBytes(ctx *Context, w io.Writer, logTag string, data []byte, encoding string) error {
	return Default().EvaluateBytes(ctx, w, logTag, data, encoding)
}

func EvaluateStream(ctx *Context, w io.Writer, logTag string, in io.Reader, encoding string) error {
	return Default().EvaluateStream(ctx, w, logTag, in, encoding)
}

// MergeTemplate renders the named template with the default runtime.
func MergeTemplate(w io.Writer, name string, ctx *Context, encoding ...string) error {
	return Default().MergeTemplate(w, name, ctx, encoding...)
}

func GetTemplate(name string, encoding ...string) (*Template, error) {
	return Default().GetTemplate(name, encoding...)
}

func InvokeMacro(w io.Writer, name, namespace string, params []string, ctx *Context) (bool, error) {
	return Default().InvokeMacro(w, name, namespace, params, ctx)
}

func ResourceExists(name string) bool {
	return Default().ResourceExists(name)
}

func TemplateExists(name string) bool {
	return Default().TemplateExists(name)
}

func SetApplicationAttribute(key, value any) any {
	return Default().SetApplicationAttribute(key, value)
}

func GetApplicationAttribute(key any) any {
	return Default().GetApplicationAttribute(key)
}

// Log returns the default runtime's logger.
func Log() *slog.Logger {
	return Default().Logger()
}

func LogDebug(msg string, attrs ...any) {
	Log().Debug(msg, attrs...)
}

func LogInfo(msg string, attrs ...any) {
	Log().Info(msg, attrs...)
}

func LogWarn(msg string, attrs ...any) {
	Log().Warn(msg, attrs...)
}

func LogError(msg string, attrs ...any) {
	Log().Error(msg, attrs...)
}
