package cmd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/commonsops/rostersync/config"
	"github.com/commonsops/rostersync/pkg/logging"
	"github.com/commonsops/rostersync/pkg/observability"
)

// probeTimeout bounds each service reachability check.
const probeTimeout = 10 * time.Second

// checkRow is one line of the check report.
type checkRow struct {
	Component string `json:"component"`
	OK        bool   `json:"ok"`
	Detail    string `json:"detail,omitempty"`
	Latency   string `json:"latency,omitempty"`
}

// CheckCommandDeps holds dependencies for the check command.
type CheckCommandDeps struct {
	Config     *config.Config
	LoadConfig func() (*config.Config, error)

	// Probes overrides service probe construction; tests substitute
	// fakes here.
	Probes func(cfg *config.Config, log logging.Logger) map[string]observability.HealthProbe
}

// DefaultCheckDeps returns default dependencies for production use.
func DefaultCheckDeps() *CheckCommandDeps {
	return &CheckCommandDeps{
		LoadConfig: config.LoadConfig,
		Probes: func(cfg *config.Config, log logging.Logger) map[string]observability.HealthProbe {
			return newClientSet(cfg, log, nil, nil).probes()
		},
	}
}

// NewCheckCommand creates the check command.
func NewCheckCommand(deps *CheckCommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultCheckDeps()
	}

	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and probe services",
		Long: `Validate the configuration, the permissions matrix, and the exclusion
list, then probe each configured service for reachability.

The exit code is 1 when the configuration is unusable. Unreachable services
are reported in the table but do not affect the exit code; a sync against
them would record per-service failures, not abort.

Examples:
  rostersync check
  rostersync check --output json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, deps)
		},
	}
}

func runCheck(cmd *cobra.Command, deps *CheckCommandDeps) error {
	format := outputFormat(cmd)
	if err := validateOutputFormat(format); err != nil {
		return err
	}

	cfg, err := loadConfigFrom(deps.Config, deps.LoadConfig)
	if err != nil {
		return err
	}
	log := newLogger(cfg, false)

	rows, configBroken := checkConfigFiles(cfg)
	rows = append(rows, checkServices(cmd.Context(), deps.Probes(cfg, log))...)

	if format == outputJSON {
		if err := printJSON(rows); err != nil {
			return err
		}
	} else {
		w := newTable()
		fmt.Fprintln(w, "COMPONENT\tSTATUS\tDETAIL")
		for _, row := range rows {
			status := "ok"
			if !row.OK {
				status = "FAILED"
			}
			detail := truncate(row.Detail, 100)
			if row.Latency != "" {
				detail = fmt.Sprintf("%s (%s)", detail, row.Latency)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", row.Component, status, detail)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if configBroken {
		return fmt.Errorf("configuration check failed")
	}
	return nil
}

// checkConfigFiles validates the matrix and exclusion files. A broken matrix
// makes the configuration unusable; missing exclusions do not.
func checkConfigFiles(cfg *config.Config) ([]checkRow, bool) {
	var rows []checkRow
	broken := false

	configPath, _ := config.ConfigPath()
	rows = append(rows, checkRow{
		Component: "config",
		OK:        true,
		Detail:    configPath,
	})

	matrixPath, err := cfg.EffectiveMatrixPath()
	if err == nil {
		var matrix *config.Matrix
		matrix, err = config.LoadMatrix(matrixPath)
		if err == nil {
			rows = append(rows, checkRow{
				Component: "matrix",
				OK:        true,
				Detail:    fmt.Sprintf("%d kinds (%s)", len(matrix.Kinds), matrixPath),
			})
		}
	}
	if err != nil {
		broken = true
		rows = append(rows, checkRow{Component: "matrix", Detail: err.Error()})
	}

	exclusionsPath, err := cfg.EffectiveExclusionsPath()
	if err == nil {
		var excluded config.Exclusions
		excluded, err = config.LoadExclusions(exclusionsPath)
		if err == nil {
			rows = append(rows, checkRow{
				Component: "exclusions",
				OK:        true,
				Detail:    fmt.Sprintf("%d users (%s)", len(excluded), exclusionsPath),
			})
		}
	}
	if err != nil {
		broken = true
		rows = append(rows, checkRow{Component: "exclusions", Detail: err.Error()})
	}

	if !cfg.Mattermost.IsConfigured() {
		broken = true
		rows = append(rows, checkRow{
			Component: "mattermost",
			Detail:    "not configured; sync has no membership source",
		})
	}

	return rows, broken
}

// checkServices runs every probe with a per-probe timeout, in name order so
// the table is stable.
func checkServices(ctx context.Context, probes map[string]observability.HealthProbe) []checkRow {
	names := make([]string, 0, len(probes))
	for name := range probes {
		names = append(names, name)
	}
	sort.Strings(names)

	var rows []checkRow
	for _, name := range names {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		start := time.Now()
		err := probes[name](probeCtx)
		latency := time.Since(start).Round(time.Millisecond)
		cancel()

		row := checkRow{
			Component: name,
			OK:        err == nil,
			Detail:    "reachable",
			Latency:   latency.String(),
		}
		if err != nil {
			row.Detail = err.Error()
		}
		rows = append(rows, row)
	}
	return rows
}
