package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/delta/pkg/delta/agent"
)

// newConfigCmd creates the `delta config` command group for credential
// management. The keyring is checked first, before DELTA_API_KEY,
// OPENAI_API_KEY and .env files.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage delta credentials",
	}
	cmd.AddCommand(newConfigSetKeyCmd())
	cmd.AddCommand(newConfigDeleteKeyCmd())
	cmd.AddCommand(newConfigShowCmd())
	return cmd
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key",
		Short: "Store the LLM API key in the OS keyring (encrypted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !agent.KeyringAvailable() {
				fmt.Fprintln(os.Stderr, "OS keyring is not available on this system.")
				fmt.Fprintln(os.Stderr, "  Linux:   gnome-keyring-daemon or kwallet")
				fmt.Fprintln(os.Stderr, "  macOS:   Keychain (built in)")
				fmt.Fprintln(os.Stderr, "Fall back to DELTA_API_KEY in the environment or a .env file.")
				return fmt.Errorf("keyring not available")
			}

			rl, err := readline.New("")
			if err != nil {
				return fmt.Errorf("opening terminal: %w", err)
			}
			defer rl.Close()

			key, err := rl.ReadPassword("API key: ")
			if err != nil {
				return fmt.Errorf("reading key: %w", err)
			}
			trimmed := strings.TrimSpace(string(key))
			if trimmed == "" {
				return fmt.Errorf("empty key")
			}

			if err := agent.StoreKeyring("api_key", trimmed); err != nil {
				return fmt.Errorf("storing in keyring: %w", err)
			}
			fmt.Println("API key stored in OS keyring (encrypted).")
			fmt.Println("The keyring is checked before DELTA_API_KEY and .env files.")
			return nil
		},
	}
}

func newConfigDeleteKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-key",
		Short: "Remove the API key from the OS keyring",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := agent.DeleteKeyring("api_key"); err != nil {
				return fmt.Errorf("deleting from keyring: %w", err)
			}
			fmt.Println("API key removed from OS keyring.")
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show where the API key would be resolved from",
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, _ := os.Getwd()
			env := agent.LoadEnv(cwd, cwd, nil)
			key, source := agent.ResolveAPIKey(env, nil)
			if key == "" {
				fmt.Println("No API key configured.")
				fmt.Println("Set one with 'delta config set-key' or DELTA_API_KEY.")
				return nil
			}
			fmt.Printf("API key: %s (from %s)\n", mask(key), source)
			if url := env.BaseURL(); url != "" {
				fmt.Printf("Endpoint override: %s\n", url)
			}
			return nil
		},
	}
}

func mask(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
