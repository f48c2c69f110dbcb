package main

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	vtl "github.com/dangdungcntt/go-vtl"
)

type options struct {
	props       string
	dirs        []string
	set         []string
	contextFile string
	encoding    string
	db          string
	table       string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:          "vtl",
		Short:        "Render Velocity templates",
		Long:         `vtl renders Velocity templates from directories, SQLite databases or stdin against a YAML context.`,
		Version:      version,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.props, "props", "p", "", "properties file (.properties, .yaml, .json)")
	flags.StringSliceVarP(&opts.dirs, "dir", "d", nil, "template directory, repeatable")
	flags.StringArrayVar(&opts.set, "set", nil, "property override key=value, repeatable")
	flags.StringVarP(&opts.contextFile, "context", "c", "", "YAML file with context variables")
	flags.StringVarP(&opts.encoding, "encoding", "e", "", "template encoding (default: input.encoding)")
	flags.StringVar(&opts.db, "db", "", "SQLite database holding templates")
	flags.StringVar(&opts.table, "table", "templates", "table holding templates in --db")

	root.AddCommand(
		newRenderCmd(opts),
		newEvalCmd(opts),
		newExistsCmd(opts),
		newMacroCmd(opts),
	)
	return root
}

func newRenderCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "render NAME",
		Short: "Render a template found by the loaders",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closeRuntime, err := opts.runtime()
			if err != nil {
				return err
			}
			defer closeRuntime()

			ctx, err := opts.context()
			if err != nil {
				return err
			}
			var enc []string
			if opts.encoding != "" {
				enc = append(enc, opts.encoding)
			}
			return rt.MergeTemplate(cmd.OutOrStdout(), args[0], ctx, enc...)
		},
	}
}

func newEvalCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "eval [FILE]",
		Short: "Evaluate a template from a file or stdin without caching",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closeRuntime, err := opts.runtime()
			if err != nil {
				return err
			}
			defer closeRuntime()

			ctx, err := opts.context()
			if err != nil {
				return err
			}

			in, tag := cmd.InOrStdin(), "stdin"
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("opening template: %w", err)
				}
				defer func() { _ = f.Close() }()
				in, tag = f, args[0]
			}
			return rt.EvaluateStream(ctx, cmd.OutOrStdout(), tag, in, opts.encoding)
		},
	}
}

func newExistsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "exists NAME...",
		Short: "Report whether templates can be found",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closeRuntime, err := opts.runtime()
			if err != nil {
				return err
			}
			defer closeRuntime()

			missing := 0
			for _, name := range args {
				ok := rt.ResourceExists(name)
				if !ok {
					missing++
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%t\n", name, ok)
			}
			if missing > 0 {
				return fmt.Errorf("%d of %d templates not found", missing, len(args))
			}
			return nil
		},
	}
}

func newMacroCmd(opts *options) *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:   "macro NAME [VAR...]",
		Short: "Invoke a library macro with context variables as arguments",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closeRuntime, err := opts.runtime()
			if err != nil {
				return err
			}
			defer closeRuntime()

			ctx, err := opts.context()
			if err != nil {
				return err
			}
			if namespace != "" {
				// Compiling the template registers its local macros.
				if _, err := rt.GetTemplate(namespace); err != nil {
					return err
				}
			}
			ok, err := rt.InvokeMacro(cmd.OutOrStdout(), args[0], namespace, args[1:], ctx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("macro %q not found", args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&namespace, "template", "", "template whose local macros are visible")
	return cmd
}

// runtime builds and initializes a runtime from the flags.
func (o *options) runtime() (*vtl.Runtime, func(), error) {
	var (
		runtimeOpts []vtl.Option
		db          *sql.DB
	)
	if o.db != "" {
		var err error
		db, err = sql.Open("sqlite", o.db)
		if err != nil {
			return nil, nil, fmt.Errorf("opening database: %w", err)
		}
		runtimeOpts = append(runtimeOpts, vtl.WithLoaders(vtl.NewSQLLoader(db, vtl.SQLLoaderConfig{Table: o.table})))
	}

	rt := vtl.New(runtimeOpts...)
	rt.SetProperty(vtl.PropLogLevel, "warn")
	if len(o.dirs) > 0 {
		rt.SetProperty(vtl.PropFileLoaderPath, o.dirs)
	}
	for _, kv := range o.set {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, nil, fmt.Errorf("--set %q: expected key=value", kv)
		}
		rt.SetProperty(strings.TrimSpace(key), strings.TrimSpace(value))
	}

	var err error
	if o.props != "" {
		err = rt.InitFile(o.props)
	} else {
		err = rt.Init()
	}
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		return nil, nil, err
	}
	return rt, func() {
		_ = rt.Close()
		if db != nil {
			_ = db.Close()
		}
	}, nil
}

func (o *options) context() (*vtl.Context, error) {
	vars := map[string]any{}
	if o.contextFile == "" {
		return vtl.NewContext(vars), nil
	}
	data, err := os.ReadFile(o.contextFile)
	if err != nil {
		return nil, fmt.Errorf("reading context: %w", err)
	}
	if err := decodeContext(data, &vars); err != nil {
		return nil, fmt.Errorf("parsing context %s: %w", o.contextFile, err)
	}
	return vtl.NewContext(vars), nil
}

func decodeContext(data []byte, vars *map[string]any) error {
	if err := yaml.Unmarshal(data, vars); err != nil {
		return err
	}
	if *vars == nil {
		*vars = map[string]any{}
	}
	return nil
}
