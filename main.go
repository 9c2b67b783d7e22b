// rostersync reconciles chat channel membership into downstream services:
// identity-provider groups, documentation collections, email contact lists,
// database bases, and password-store collections.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/commonsops/rostersync/cmd"
	"github.com/commonsops/rostersync/config"
	"github.com/commonsops/rostersync/pkg/buildinfo"
)

// Global flags.
var (
	cfgFile        string
	matrixFile     string
	exclusionsFile string
	teamID         string
	outputFmt      string
	debug          bool
)

// rootCmd is the base command for the rostersync CLI.
var rootCmd = &cobra.Command{
	Use:   "rostersync",
	Short: "Reconcile chat membership into downstream services",
	Long: `rostersync keeps downstream access aligned with chat channel membership.

Channel membership is the source of truth: whoever is in a kind's granting
channels gets the matching identity-provider group, documentation
collection, email contact list, database base, and password-store
collection. Upsert runs add and update; differential runs also remove.

GETTING STARTED:
  rostersync config init          Create the config file
  rostersync auth set authentik   Store service secrets
  rostersync check                Validate config and probe services
  rostersync sync                 Run a reconciliation

LONG-RUNNING:
  rostersync bot                  Chat-triggered syncs
  rostersync worker               Queue-driven syncs`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(c *cobra.Command, args []string) error {
		if c.Name() == "version" || c.Name() == "help" || c.Name() == "completion" {
			return nil
		}

		// Global flags ride the same environment overlay the config
		// loader already reads, so every LoadConfig call sees them.
		if cfgFile != "" {
			os.Setenv("ROSTERSYNC_CONFIG_FILE", cfgFile)
		}
		if matrixFile != "" {
			os.Setenv("PERMISSIONS_MATRIX_FILE_PATH", matrixFile)
		}
		if exclusionsFile != "" {
			os.Setenv("EXCLUDED_USERS_FILE_PATH", exclusionsFile)
		}
		if teamID != "" {
			os.Setenv("MATTERMOST_TEAM_ID", teamID)
		}
		if debug {
			os.Setenv("ROSTERSYNC_DEBUG", "true")
		}
		return nil
	},
}

// Version command flags.
var versionOutputJSON bool

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long: `Print the version, commit hash, and build time of rostersync.

Examples:
  rostersync version
  rostersync version --output json`,
	RunE: func(c *cobra.Command, args []string) error {
		info := buildinfo.Get("rostersync")

		if versionOutputJSON || outputFmt == "json" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}

		fmt.Printf("rostersync %s\n", info.Version)
		fmt.Printf("  Commit:     %s\n", info.Commit)
		fmt.Printf("  Built:      %s\n", info.BuildTime)
		fmt.Printf("  Go version: %s\n", info.GoVersion)
		fmt.Printf("  Platform:   %s\n", info.Platform)
		return nil
	},
}

// configCmd manages the engine configuration file.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Show, initialize, and edit the rostersync configuration file.`,
}

// configShowCmd displays the current configuration.
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the effective configuration with secrets masked.`,
	RunE: func(c *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		cfg.OverlaySecrets()

		configPath, _ := config.ConfigPath()
		matrixPath, _ := cfg.EffectiveMatrixPath()
		exclusionsPath, _ := cfg.EffectiveExclusionsPath()

		fmt.Println("Current configuration:")
		fmt.Printf("  Config file:     %s\n", configPath)
		fmt.Printf("  Matrix file:     %s\n", matrixPath)
		fmt.Printf("  Exclusions file: %s\n", exclusionsPath)
		fmt.Printf("  Concurrency:     %d\n", cfg.Concurrency)
		fmt.Printf("  Status address:  %s\n", valueOr(cfg.StatusAddr, "(disabled)"))
		fmt.Printf("  Debug:           %t\n", cfg.Debug)
		fmt.Println()
		fmt.Println("Services:")
		fmt.Printf("  Mattermost:  %s\n", serviceLine(cfg.Mattermost.IsConfigured(), cfg.Mattermost.URL))
		fmt.Printf("  Authentik:   %s\n", serviceLine(cfg.Authentik.IsConfigured(), cfg.Authentik.URL))
		fmt.Printf("  Outline:     %s\n", serviceLine(cfg.Outline.IsConfigured(), cfg.Outline.URL))
		fmt.Printf("  Brevo:       %s\n", serviceLine(cfg.Brevo.IsConfigured(), cfg.Brevo.APIURL))
		fmt.Printf("  NocoDB:      %s\n", serviceLine(cfg.NocoDB.IsConfigured(), cfg.NocoDB.URL))
		fmt.Printf("  Vaultwarden: %s\n", serviceLine(cfg.Vaultwarden.IsConfigured(), cfg.Vaultwarden.ServerURL))
		fmt.Println()
		fmt.Printf("  Audit store: %s\n", configuredLine(cfg.Audit.IsConfigured()))
		fmt.Printf("  Job queue:   %s\n", serviceLine(cfg.Queue.IsConfigured(), cfg.Queue.RedisAddr))

		return nil
	},
}

// configInitCmd initializes the configuration file.
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long:  `Create a new configuration file with default values if one doesn't exist.`,
	RunE: func(c *cobra.Command, args []string) error {
		configPath, err := config.ConfigPath()
		if err != nil {
			return fmt.Errorf("getting config path: %w", err)
		}

		if _, err := os.Stat(configPath); err == nil {
			fmt.Printf("Configuration file already exists: %s\n", configPath)
			fmt.Println("Use 'rostersync config show' to view current settings.")
			return nil
		}

		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("saving configuration: %w", err)
		}

		fmt.Printf("Created configuration file: %s\n", configPath)
		fmt.Println()
		fmt.Println("Next steps:")
		fmt.Println("  rostersync config set mattermost.url https://chat.example.org")
		fmt.Println("  rostersync config set mattermost.team_id <team id>")
		fmt.Println("  rostersync auth set mattermost")

		return nil
	},
}

// configSetCmd sets a configuration value.
var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the config file.

Available keys:
  mattermost.url               Chat platform base URL
  mattermost.bot_name          Bot account username
  mattermost.team_id           Team whose channels drive access
  authentik.url                Identity provider base URL
  outline.url                  Documentation platform base URL
  brevo.api_url                Email platform API URL
  nocodb.url                   Database platform base URL
  vaultwarden.server_url       Password store base URL
  vaultwarden.organization_id  Password store organization
  audit.dsn                    Postgres DSN for run history
  queue.redis_addr             Redis address for the job queue
  matrix_file                  Permissions matrix path
  exclusions_file              Excluded users path
  concurrency                  Concurrent entities per run
  status_addr                  Status server listen address
  debug                        Verbose logging (true/false)

Secrets are not set here; use 'rostersync auth set <service>'.

Examples:
  rostersync config set mattermost.url https://chat.example.org
  rostersync config set concurrency 8
  rostersync config set queue.redis_addr localhost:6379`,
	Args: cobra.ExactArgs(2),
	RunE: func(c *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := config.LoadConfig()
		if err != nil {
			cfg = config.DefaultConfig()
		}

		switch key {
		case "mattermost.url":
			cfg.Mattermost.URL = value
		case "mattermost.bot_name":
			cfg.Mattermost.BotName = value
		case "mattermost.team_id":
			cfg.Mattermost.TeamID = value
		case "authentik.url":
			cfg.Authentik.URL = value
		case "outline.url":
			cfg.Outline.URL = value
		case "brevo.api_url":
			cfg.Brevo.APIURL = value
		case "nocodb.url":
			cfg.NocoDB.URL = value
		case "vaultwarden.server_url":
			cfg.Vaultwarden.ServerURL = value
		case "vaultwarden.organization_id":
			cfg.Vaultwarden.OrganizationID = value
		case "audit.dsn":
			cfg.Audit.DSN = value
		case "queue.redis_addr":
			cfg.Queue.RedisAddr = value
		case "matrix_file":
			cfg.MatrixPath = value
		case "exclusions_file":
			cfg.ExclusionsPath = value
		case "status_addr":
			cfg.StatusAddr = value
		case "concurrency":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid concurrency value: %s (must be a positive integer)", value)
			}
			cfg.Concurrency = n
		case "debug":
			switch value {
			case "true", "1":
				cfg.Debug = true
			case "false", "0":
				cfg.Debug = false
			default:
				return fmt.Errorf("invalid debug value: %s (must be true or false)", value)
			}
		case "mattermost.bot_token", "authentik.token", "outline.token", "brevo.api_key", "nocodb.token",
			"vaultwarden.api_username", "vaultwarden.api_password":
			service, _, _ := strings.Cut(key, ".")
			return fmt.Errorf("%s is a secret; use 'rostersync auth set %s' so it is stored encrypted", key, service)
		default:
			return fmt.Errorf("unknown configuration key: %s", key)
		}

		if err := config.SaveConfig(cfg); err != nil {
			return fmt.Errorf("saving configuration: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

// completionCmd generates shell completion scripts.
var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion scripts",
	Long: `Generate shell completion scripts for rostersync.

To load completions:

Bash:
  $ source <(rostersync completion bash)

  # To load completions for each session, execute once:
  # Linux:
  $ rostersync completion bash > /etc/bash_completion.d/rostersync
  # macOS:
  $ rostersync completion bash > $(brew --prefix)/etc/bash_completion.d/rostersync

Zsh:
  # If shell completion is not already enabled in your environment,
  # you will need to enable it. Execute the following once:
  $ echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ rostersync completion zsh > "${fpath[1]}/_rostersync"

Fish:
  $ rostersync completion fish | source

  # To load completions for each session, execute once:
  $ rostersync completion fish > ~/.config/fish/completions/rostersync.fish

PowerShell:
  PS> rostersync completion powershell | Out-String | Invoke-Expression
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(c *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return rootCmd.GenBashCompletion(os.Stdout)
		case "zsh":
			return rootCmd.GenZshCompletion(os.Stdout)
		case "fish":
			return rootCmd.GenFishCompletion(os.Stdout, true)
		case "powershell":
			return rootCmd.GenPowerShellCompletionWithDesc(os.Stdout)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.rostersync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&matrixFile, "matrix", "", "permissions matrix file (default is <config dir>/permissions_matrix.yml)")
	rootCmd.PersistentFlags().StringVar(&exclusionsFile, "exclusions", "", "excluded users file (default is <config dir>/excluded_users.txt)")
	rootCmd.PersistentFlags().StringVar(&teamID, "team", "", "chat team id (overrides mattermost.team_id)")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "", "output format: text or json")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	versionCmd.Flags().BoolVar(&versionOutputJSON, "json", false, "Output as JSON")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
		&cobra.Group{ID: "ops", Title: "Operations:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)

	syncCmd := cmd.NewSyncCommand(nil)
	syncCmd.GroupID = "sync"
	rootCmd.AddCommand(syncCmd)

	enqueueCmd := cmd.NewEnqueueCommand(nil)
	enqueueCmd.GroupID = "sync"
	rootCmd.AddCommand(enqueueCmd)

	botCmd := cmd.NewBotCommand(nil)
	botCmd.GroupID = "ops"
	rootCmd.AddCommand(botCmd)

	workerCmd := cmd.NewWorkerCommand(nil)
	workerCmd.GroupID = "ops"
	rootCmd.AddCommand(workerCmd)

	historyCmd := cmd.NewHistoryCommand(nil)
	historyCmd.GroupID = "ops"
	rootCmd.AddCommand(historyCmd)

	checkCmd := cmd.NewCheckCommand(nil)
	checkCmd.GroupID = "setup"
	rootCmd.AddCommand(checkCmd)

	authCmd := cmd.NewAuthCommand(nil)
	authCmd.GroupID = "setup"
	rootCmd.AddCommand(authCmd)

	configCmd.GroupID = "setup"
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configCmd)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(completionCmd)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nreceived interrupt, shutting down...")
		cancel()
		// A second signal skips the drain.
		<-sigCh
		os.Exit(1)
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// valueOr substitutes a placeholder for empty display values.
func valueOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// serviceLine renders one service's configuration state.
func serviceLine(configured bool, url string) string {
	if !configured {
		return "not configured"
	}
	return fmt.Sprintf("configured (%s)", valueOr(url, "default endpoint"))
}

// configuredLine renders a yes/no configuration state.
func configuredLine(configured bool) string {
	if configured {
		return "configured"
	}
	return "not configured"
}
