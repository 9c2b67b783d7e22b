package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/commonsops/rostersync/config"
	"github.com/commonsops/rostersync/pkg/logging"
)

// Output format values accepted by --output.
const (
	outputText = "text"
	outputJSON = "json"
)

// outputFormat reads the root --output flag through the executing command.
// Commands constructed bare in tests fall back to text.
func outputFormat(cmd *cobra.Command) string {
	if cmd == nil {
		return outputText
	}
	if v, err := cmd.Flags().GetString("output"); err == nil && v != "" {
		return v
	}
	return outputText
}

// validateOutputFormat rejects formats no command can render.
func validateOutputFormat(format string) error {
	switch format {
	case outputText, outputJSON:
		return nil
	default:
		return fmt.Errorf("unknown output format %q (must be text or json)", format)
	}
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTable returns a tabwriter on stdout matching the table layout used
// across commands. Callers must Flush.
func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

// newLogger builds the command logger from the loaded config. Interactive
// commands log console format; the long-running bot and worker log JSON for
// collection.
func newLogger(cfg *config.Config, jsonFormat bool) logging.Logger {
	lc := logging.DefaultConfig()
	lc.JSONFormat = jsonFormat
	if cfg != nil && cfg.Debug {
		lc.Level = logging.LevelDebug
	}
	return logging.NewLogger(lc)
}

// loadConfigFrom resolves a command's config: an injected Config wins,
// otherwise the loader runs. Secrets from the credential store are overlaid
// either way.
func loadConfigFrom(cfg *config.Config, load func() (*config.Config, error)) (*config.Config, error) {
	if cfg == nil {
		var err error
		cfg, err = load()
		if err != nil {
			return nil, fmt.Errorf("loading configuration: %w", err)
		}
	}
	cfg.OverlaySecrets()
	return cfg, nil
}

// truncate shortens a string for table cells.
func truncate(s string, max int) string {
	if max <= 3 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
