package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/loomtest/loom/pkg/actions"
	"github.com/loomtest/loom/pkg/config"
	"github.com/loomtest/loom/pkg/interp"
	"github.com/loomtest/loom/pkg/persist"
	"github.com/loomtest/loom/pkg/schema"
	"github.com/loomtest/loom/pkg/trace"
	"github.com/loomtest/loom/pkg/vars"
)

var (
	runConfig  string
	runModules string
	runTrace   string
	runVars    []string
	runVerbose bool
)

var runCmd = &cobra.Command{
	Use:   "run [testcase.yaml...]",
	Short: "Run one or more test case files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&runConfig, "config", "loom.toml", "Path to the config file")
	runCmd.Flags().StringVar(&runModules, "modules-dir", "", "Module directory (overrides config)")
	runCmd.Flags().StringVar(&runTrace, "trace", "", "Append JSONL trace events to this file (overrides config)")
	runCmd.Flags().StringArrayVar(&runVars, "var", nil, "Set a test case variable (key=value), repeatable")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Debug logging")
}

func newLogger(level string, verbose bool) *slog.Logger {
	lv := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	}
	if verbose {
		lv = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}

// openPersist builds the globals store for the configured backend. A
// nil return means persistence is disabled.
func openPersist(p config.Persistence) (persist.Store, error) {
	switch p.Backend {
	case "":
		return nil, nil
	case "file":
		return persist.NewFileStore(p.Path), nil
	case "sqlite":
		return persist.NewSQLiteStore(p.Path)
	case "redis":
		key := p.RedisKey
		if key == "" {
			key = "loom:globals"
		}
		return persist.NewRedisStore(p.RedisAddr, key)
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", p.Backend)
	}
}

func parseVarFlags(flags []string) (map[string]any, error) {
	out := make(map[string]any, len(flags))
	for _, kv := range flags {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("invalid --var %q, want key=value", kv)
		}
		out[parts[0]] = parts[1]
	}
	return out, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(runConfig)
	if err != nil {
		return err
	}
	if runModules != "" {
		cfg.ModulesDir = runModules
	}
	if runTrace != "" {
		cfg.TracePath = runTrace
	}
	logger := newLogger(cfg.LogLevel, runVerbose)

	overrides, err := parseVarFlags(runVars)
	if err != nil {
		return err
	}

	store, err := openPersist(cfg.Persistence)
	if err != nil {
		return err
	}

	globals := vars.NewGlobal()
	if store != nil {
		defer store.Close()
		saved, err := store.Load()
		if err != nil {
			return fmt.Errorf("load globals: %w", err)
		}
		globals.Import(saved)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	failed := 0
	for _, path := range args {
		tc, errs := schema.ValidateFile(path)
		if len(errs) > 0 {
			printValidationErrors(path, errs)
			failed++
			continue
		}
		if tc.Vars == nil && len(overrides) > 0 {
			tc.Vars = map[string]any{}
		}
		for k, v := range overrides {
			tc.Vars[k] = v
		}

		if err := runOne(ctx, cfg, logger, globals, tc); err != nil {
			fmt.Fprintf(os.Stderr, "FAIL %s: %v\n", path, err)
			failed++
			if ctx.Err() != nil {
				break
			}
			continue
		}
		fmt.Printf("PASS %s\n", path)
	}

	if store != nil {
		if err := store.Save(globals.Export()); err != nil {
			return fmt.Errorf("save globals: %w", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d test case(s) failed", failed, len(args))
	}
	return nil
}

func runOne(ctx context.Context, cfg *config.Config, logger *slog.Logger, globals *vars.GlobalBucket, tc *schema.TestCase) error {
	runID := uuid.NewString()

	var tw *trace.Writer
	if cfg.TracePath != "" {
		var err error
		tw, err = trace.NewFileWriter(cfg.TracePath, runID)
		if err != nil {
			return err
		}
		defer tw.Close()
	}

	reg := interp.NewRegistry()
	in := interp.New(interp.Options{
		Registry:      reg,
		Modules:       &schema.DirLoader{Dir: cfg.ModulesDir},
		Trace:         tw,
		Logger:        logger,
		RunID:         runID,
		Globals:       globals,
		MaxAttempts:   cfg.MaxAttempts,
		RetryDelay:    cfg.RetryDelayDuration(),
		TemplateDepth: cfg.TemplateDepth,
	})
	if err := actions.RegisterBuiltins(reg, in.Store(), logger); err != nil {
		return err
	}

	return in.Run(ctx, tc)
}

func printValidationErrors(path string, errs []*schema.ValidationError) {
	fmt.Fprintf(os.Stderr, "%s: %d validation error(s)\n", path, len(errs))
	for i, e := range errs {
		fmt.Fprintf(os.Stderr, "  %d. [%s] %s\n", i+1, e.Phase, e.Message)
		if e.Path != "" {
			fmt.Fprintf(os.Stderr, "     at: %s\n", e.Path)
		}
	}
}

var validateCmd = &cobra.Command{
	Use:   "validate [testcase.yaml...]",
	Short: "Validate test case files without running them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bad := 0
		for _, path := range args {
			if _, errs := schema.ValidateFile(path); len(errs) > 0 {
				printValidationErrors(path, errs)
				bad++
				continue
			}
			fmt.Printf("OK %s\n", path)
		}
		if bad > 0 {
			return fmt.Errorf("%d file(s) failed validation", bad)
		}
		return nil
	},
}

var schemaModule bool

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Export the JSON Schema for test case or module documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		gen := schema.GenerateJSONSchema
		if schemaModule {
			gen = schema.GenerateModuleJSONSchema
		}
		data, err := gen()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

func init() {
	schemaCmd.Flags().BoolVar(&schemaModule, "module", false, "Export the module schema instead of the test case schema")
}
