package vtl

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Property keys recognized by the runtime. Other keys are stored but ignored.
const (
	PropInputEncoding        = "input.encoding"
	PropOutputEncoding       = "output.encoding"
	PropResourceLoaders      = "resource.loaders"
	PropFileLoaderPath       = "resource.file.path"
	PropCacheEnabled         = "resource.cache.enabled"
	PropCacheCheckInterval   = "resource.cache.check_interval"
	PropCacheExpiration      = "resource.cache.expiration"
	PropResourceWatch        = "resource.watch"
	PropMacroLibrary         = "macro.library"
	PropMacroInlineLocal     = "macro.inline.local_scope"
	PropMacroMaxDepth        = "macro.max_depth"
	PropParseMaxDepth        = "directive.parse.max_depth"
	PropForeachMaxLoops      = "directive.foreach.max_loops"
	PropRangeMaxItems        = "directive.range.max_items"
	PropReferencePlaceholder = "runtime.references.placeholder"
	PropLogSink              = "runtime.log.sink"
	PropLogLevel             = "runtime.log.level"
	PropLogFormat            = "runtime.log.format"
)

// Config is the typed view of the runtime properties, fixed at Init.
type Config struct {
	Input     EncodingConfig  `mapstructure:"input"`
	Output    EncodingConfig  `mapstructure:"output"`
	Resource  ResourceConfig  `mapstructure:"resource"`
	Macro     MacroConfig     `mapstructure:"macro"`
	Directive DirectiveConfig `mapstructure:"directive"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
}

type EncodingConfig struct {
	Encoding string `mapstructure:"encoding"`
}

type ResourceConfig struct {
	// Loaders orders the loader chain by loader name ("file", "string", "sql", ...).
	// Empty means every configured loader: file, explicit loaders, then string.
	Loaders []string         `mapstructure:"loaders"`
	File    FileLoaderConfig `mapstructure:"file"`
	Cache   CacheConfig      `mapstructure:"cache"`
	// Watch invalidates cached templates when files under File.Path change.
	Watch bool `mapstructure:"watch"`
}

type FileLoaderConfig struct {
	Path []string `mapstructure:"path"`
}

type CacheConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// CheckInterval is the minimum time between modification checks of a
	// cached template. Zero checks on every resolve; negative never checks.
	CheckInterval time.Duration `mapstructure:"check_interval"`
	// Expiration evicts entries this long after they were compiled. Zero keeps them.
	Expiration time.Duration `mapstructure:"expiration"`
}

type MacroConfig struct {
	// Library lists templates compiled at Init whose macros become global.
	Library  []string          `mapstructure:"library"`
	Inline   InlineMacroConfig `mapstructure:"inline"`
	MaxDepth int               `mapstructure:"max_depth"`
}

type InlineMacroConfig struct {
	// LocalScope keeps macros defined in a template visible to that template only.
	LocalScope bool `mapstructure:"local_scope"`
}

type DirectiveConfig struct {
	Parse   ParseDirectiveConfig   `mapstructure:"parse"`
	Foreach ForeachDirectiveConfig `mapstructure:"foreach"`
	Range   RangeDirectiveConfig   `mapstructure:"range"`
}

type ParseDirectiveConfig struct {
	MaxDepth int `mapstructure:"max_depth"`
}

type ForeachDirectiveConfig struct {
	// MaxLoops bounds iterations per #foreach; negative is unbounded.
	MaxLoops int `mapstructure:"max_loops"`
}

type RangeDirectiveConfig struct {
	// MaxItems bounds the size of a [from..to] list built outside #foreach.
	MaxItems int `mapstructure:"max_items"`
}

type RuntimeConfig struct {
	References ReferencesConfig `mapstructure:"references"`
	Log        LogConfig        `mapstructure:"log"`
}

type ReferencesConfig struct {
	// Placeholder replaces unresolved references. Nil renders the reference text.
	Placeholder *string `mapstructure:"placeholder"`
}

type LogConfig struct {
	// Sink is "stderr", "stdout", "discard" or a file path.
	Sink   string `mapstructure:"sink"`
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(PropInputEncoding, DefaultEncoding)
	v.SetDefault(PropOutputEncoding, DefaultEncoding)
	v.SetDefault(PropCacheEnabled, true)
	v.SetDefault(PropCacheCheckInterval, 2*time.Second)
	v.SetDefault(PropCacheExpiration, time.Duration(0))
	v.SetDefault(PropResourceWatch, false)
	v.SetDefault(PropMacroInlineLocal, true)
	v.SetDefault(PropMacroMaxDepth, 20)
	v.SetDefault(PropParseMaxDepth, 10)
	v.SetDefault(PropForeachMaxLoops, -1)
	v.SetDefault(PropRangeMaxItems, 1<<20)
	v.SetDefault(PropLogSink, "stderr")
	v.SetDefault(PropLogLevel, "info")
	v.SetDefault(PropLogFormat, "text")
}

// loadConfig decodes and validates the merged properties.
func loadConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, newError(KindConfig, "", fmt.Errorf("decode properties: %w", err))
	}
	cfg.Resource.Loaders = trimAll(cfg.Resource.Loaders)
	cfg.Resource.File.Path = trimAll(cfg.Resource.File.Path)
	cfg.Macro.Library = trimAll(cfg.Macro.Library)

	for _, prop := range []struct{ key, label string }{
		{PropInputEncoding, cfg.Input.Encoding},
		{PropOutputEncoding, cfg.Output.Encoding},
	} {
		if _, err := lookupEncoding(prop.label); err != nil {
			return cfg, newError(KindConfig, "", fmt.Errorf("%s: %w", prop.key, err))
		}
	}
	if _, err := parseLevel(cfg.Runtime.Log.Level); err != nil {
		return cfg, newError(KindConfig, "", fmt.Errorf("%s: %w", PropLogLevel, err))
	}
	switch cfg.Runtime.Log.Format {
	case "text", "json":
	default:
		return cfg, newError(KindConfig, "", fmt.Errorf("%s: unknown format %q", PropLogFormat, cfg.Runtime.Log.Format))
	}
	if cfg.Macro.MaxDepth <= 0 {
		return cfg, newError(KindConfig, "", fmt.Errorf("%s must be positive", PropMacroMaxDepth))
	}
	if cfg.Directive.Parse.MaxDepth <= 0 {
		return cfg, newError(KindConfig, "", fmt.Errorf("%s must be positive", PropParseMaxDepth))
	}
	if cfg.Directive.Range.MaxItems <= 0 {
		return cfg, newError(KindConfig, "", fmt.Errorf("%s must be positive", PropRangeMaxItems))
	}
	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(s))
	return level, err
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
