package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ormasoftchile/apiline/pkg/config"
	"github.com/ormasoftchile/apiline/pkg/console"
	"github.com/ormasoftchile/apiline/pkg/logging"
	"github.com/ormasoftchile/apiline/pkg/session"
	"github.com/ormasoftchile/apiline/pkg/transport"
	"github.com/ormasoftchile/apiline/pkg/watch"
	"github.com/ormasoftchile/apiline/pkg/workflow"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Version is set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	loadDotEnv() // load .env file if present (gitignored)
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// loadDotEnv reads a .env file from the working directory and sets
// any variables that aren't already set in the environment, so that
// APILINE_API_KEY can live outside the workflow file.
func loadDotEnv() {
	f, err := os.Open(".env")
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"debug":         "debug",
	"log-format":    "log_format",
	"log-file":      "log_file",
	"base-url":      "base_url",
	"api-key":       "api_key",
	"start-from":    "start_from",
	"timeout":       "timeout",
	"unresolved":    "unresolved",
	"yes":           "auto_confirm",
	"token-var":     "token_vars",
	"api-key-var":   "api_key_var",
	"watch":         "watch",
	"poll-interval": "poll_interval",
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "apiline [flags] <workflow.yaml>",
		Short: "Step through HTTP API workflows interactively",
		Long: `apiline runs the requests of a YAML workflow one at a time, saving values
extracted from responses as variables for later requests. Variables are written
back to the workflow file, and edits to the file are picked up while running.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			return runSession(cmd, args[0], cfg)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: ./apiline.yaml if present)")
	pf.Bool("debug", false, "Enable debug logging")
	pf.String("log-format", "human", "Log format: human or json")
	pf.String("log-file", "", "Also write logs to this file")

	f := rootCmd.Flags()
	f.String("base-url", config.DefaultBaseURL, "Base URL prefixed to relative endpoints")
	f.String("api-key", "", "Default API key for admin auth")
	f.Int("start-from", 1, "Step number to start from (1-based, so 1 is the first request)")
	f.Duration("timeout", transport.DefaultTimeout, "Request timeout for steps without their own")
	f.String("unresolved", string(session.UnresolvedWarn), "Unresolved ${var} policy: warn or abort")
	f.BoolP("yes", "y", false, "Send requests without asking for confirmation")
	f.StringSlice("token-var", []string{"jwt", "jwt_token"}, "Variables checked for the jwt auth token, in order")
	f.String("api-key-var", "api_key", "Variable that overrides the default API key")
	f.String("watch", string(watch.ModeNotify), "Hot reload: notify, poll or off")
	f.Duration("poll-interval", watch.DefaultPollInterval, "Polling interval when --watch=poll")

	for flag, key := range flagKeys {
		fl := f.Lookup(flag)
		if fl == nil {
			fl = pf.Lookup(flag)
		}
		_ = v.BindPFlag(key, fl)
	}

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Schema operations",
	}
	schemaCmd.AddCommand(newSchemaExportCmd())

	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "apiline %s (build: %s)\n", version, commit)
		},
	})
	return rootCmd
}

func runSession(cmd *cobra.Command, path string, cfg *config.Config) error {
	base, err := logging.New(cfg.Logging())
	if err != nil {
		return err
	}
	defer base.Sync() //nolint:errcheck
	log, id := logging.WithSession(base)

	wf, verrs, err := workflow.Load(path, log)
	printValidation(cmd.ErrOrStderr(), verrs)
	if err != nil {
		return err
	}

	sender := transport.New(transport.Config{DefaultTimeout: cfg.Timeout}, log)
	sess := session.New(wf, sender, cfg.Options(), log)

	wopts := cfg.WatchOptions()
	wopts.Logger = log
	watcher, err := watch.New(path, wopts)
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	defer watcher.Close()

	log.Info("session started",
		zap.String("id", id),
		zap.String("path", path),
		zap.String("base_url", cfg.BaseURL),
		zap.String("watch", string(watcher.Mode())))

	con := console.New(sess, console.Options{AutoConfirm: cfg.AutoConfirm, Logger: log})
	return con.Run(cmd.Context(), watcher.Changes())
}

// printValidation writes warnings and errors the way `validate` does.
func printValidation(w io.Writer, errs []*workflow.ValidationError) int {
	var n int
	for _, e := range errs {
		mark := "⚠"
		if e.Severity != "warning" {
			mark = "✗"
			n++
		}
		fmt.Fprintf(w, "  %s [%s] %s\n", mark, e.Phase, e.Message)
		if e.Path != "" {
			fmt.Fprintf(w, "    at: %s\n", e.Path)
		}
	}
	return n
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow.yaml>",
		Short: "Validate a workflow YAML file against the schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, errs := workflow.ValidateFile(args[0])
			if n := printValidation(cmd.ErrOrStderr(), errs); n > 0 {
				return fmt.Errorf("validation failed with %d error(s)", n)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is valid (%d requests, %d variables)\n", args[0], len(doc.Requests), len(doc.Variables))
			return nil
		},
	}
}

func newSchemaExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the workflow JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := workflow.GenerateJSONSchema()
			if err != nil {
				return fmt.Errorf("generate schema: %w", err)
			}
			if out == "" {
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}
			if err := os.WriteFile(out, data, 0644); err != nil {
				return fmt.Errorf("write schema: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write to a file instead of stdout")
	return cmd
}
