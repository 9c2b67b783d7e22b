package cmd

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/commonsops/rostersync/credentials"
)

// Auth command flags.
var (
	authToken          string
	authUsername       string
	authPassword       string
	authNonInteractive bool
)

// AuthCommandDeps holds dependencies for the auth commands.
type AuthCommandDeps struct {
	NewStore func() (*credentials.Store, error)
}

// DefaultAuthDeps returns default dependencies for production use.
func DefaultAuthDeps() *AuthCommandDeps {
	return &AuthCommandDeps{
		NewStore: credentials.NewStore,
	}
}

// NewAuthCommand creates the auth command group.
func NewAuthCommand(deps *AuthCommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultAuthDeps()
	}

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage service credentials",
		Long: `Manage the encrypted credential store.

Secrets are stored encrypted at rest under the config directory and fill any
secret field the config file and environment leave empty. Environment
variables always take precedence over stored secrets.

Services: ` + strings.Join(credentials.KnownServices(), ", ") + `.
The password store takes a username and password pair; every other service
takes a single token.`,
	}

	cmd.AddCommand(newAuthSetCommand(deps))
	cmd.AddCommand(newAuthShowCommand(deps))
	cmd.AddCommand(newAuthDeleteCommand(deps))

	return cmd
}

func newAuthSetCommand(deps *AuthCommandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <service>",
		Short: "Store a service secret",
		Long: `Store a service secret in the encrypted credential store.

Without flags the secret is prompted for with hidden input.

Examples:
  # Interactive prompt
  rostersync auth set authentik

  # Non-interactive (beware of shell history)
  rostersync auth set outline --token ol_abc123...

  # The password store takes a pair
  rostersync auth set vaultwarden --username api@example.org --password s3cret`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthSet(deps, args[0])
		},
	}

	cmd.Flags().StringVar(&authToken, "token", "", "API token to store")
	cmd.Flags().StringVar(&authUsername, "username", "", "API username to store (vaultwarden)")
	cmd.Flags().StringVar(&authPassword, "password", "", "API password to store (vaultwarden)")
	cmd.Flags().BoolVar(&authNonInteractive, "non-interactive", false, "Fail instead of prompting for input")

	return cmd
}

func newAuthShowCommand(deps *AuthCommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "List stored secrets (masked)",
		Long: `List stored services with masked secret values and update times.

Plaintext secrets are never printed.

Examples:
  rostersync auth show`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthShow(deps)
		},
	}
}

func newAuthDeleteCommand(deps *AuthCommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <service>",
		Short: "Remove a service's stored secret",
		Long: `Remove one service's secrets from the credential store.

Examples:
  rostersync auth delete brevo`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthDelete(deps, args[0])
		},
	}
}

func runAuthSet(deps *AuthCommandDeps, service string) error {
	if !credentials.IsKnownService(service) {
		return fmt.Errorf("unknown service %q (known: %s)", service, strings.Join(credentials.KnownServices(), ", "))
	}

	store, err := deps.NewStore()
	if err != nil {
		return fmt.Errorf("initializing credential store: %w", err)
	}

	if service == credentials.ServiceVaultwarden {
		username, password := authUsername, authPassword
		if username == "" || password == "" {
			if authNonInteractive {
				return fmt.Errorf("vaultwarden needs --username and --password with --non-interactive")
			}
			if username == "" {
				username, err = promptLine("API username: ")
				if err != nil {
					return err
				}
			}
			if password == "" {
				password, err = promptSecret("API password: ")
				if err != nil {
					return err
				}
			}
		}
		if username == "" || password == "" {
			return fmt.Errorf("no credentials provided")
		}
		if err := store.SetSecret(service, credentials.KeyUsername, username); err != nil {
			return fmt.Errorf("saving credentials: %w", err)
		}
		if err := store.SetSecret(service, credentials.KeyPassword, password); err != nil {
			return fmt.Errorf("saving credentials: %w", err)
		}
	} else {
		token := authToken
		if token == "" {
			if authNonInteractive {
				return fmt.Errorf("no token provided and --non-interactive set")
			}
			token, err = promptSecret("Token: ")
			if err != nil {
				return err
			}
		}
		if token == "" {
			return fmt.Errorf("no credentials provided")
		}
		if err := store.SetSecret(service, credentials.KeyToken, token); err != nil {
			return fmt.Errorf("saving credentials: %w", err)
		}
	}

	credPath, _ := credentials.CredentialsPath()
	fmt.Printf("Stored %s credentials in %s\n", service, credPath)
	return nil
}

func runAuthShow(deps *AuthCommandDeps) error {
	store, err := deps.NewStore()
	if err != nil {
		return fmt.Errorf("initializing credential store: %w", err)
	}

	if !store.Exists() {
		fmt.Println("No stored credentials. Run 'rostersync auth set <service>' to add some.")
		return nil
	}

	creds, err := store.Load()
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}

	services := make([]string, 0, len(creds.Services))
	for name := range creds.Services {
		services = append(services, name)
	}
	sort.Strings(services)

	w := newTable()
	fmt.Fprintln(w, "SERVICE\tKEY\tVALUE\tUPDATED")
	for _, name := range services {
		bundle := creds.Services[name]
		keys := make([]string, 0, len(bundle.Values))
		for key := range bundle.Values {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				name,
				key,
				credentials.MaskCredential(bundle.Values[key]),
				bundle.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\nEncryption key: %s\n", store.KeySource())
	return nil
}

func runAuthDelete(deps *AuthCommandDeps, service string) error {
	if !credentials.IsKnownService(service) {
		return fmt.Errorf("unknown service %q (known: %s)", service, strings.Join(credentials.KnownServices(), ", "))
	}

	store, err := deps.NewStore()
	if err != nil {
		return fmt.Errorf("initializing credential store: %w", err)
	}

	if err := store.DeleteService(service); err != nil {
		return fmt.Errorf("removing %s credentials: %w", service, err)
	}

	fmt.Printf("Removed stored %s credentials.\n", service)
	return nil
}

// promptSecret reads a value with terminal echo off, falling back to plain
// line input when stdin is not a terminal.
func promptSecret(label string) (string, error) {
	fmt.Print(label)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return promptLineNoLabel()
	}
	return strings.TrimSpace(string(raw)), nil
}

// promptLine reads a plain line of input.
func promptLine(label string) (string, error) {
	fmt.Print(label)
	return promptLineNoLabel()
}

func promptLineNoLabel() (string, error) {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
