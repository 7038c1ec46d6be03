// Package commands defines all Cobra CLI commands for the ragstream binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/54b3r/ragstream/internal/audit"
	"github.com/54b3r/ragstream/internal/config"
	"github.com/54b3r/ragstream/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// envFile holds the --env-file flag value.
var envFile string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ragstream",
		Short: "Streaming retrieval-augmented chat backend",
		Long: `ragstream answers chat prompts with a local or hosted LLM, grounding each
answer in the session's own conversation history.

Every prompt and response is embedded into a per-session vector collection.
Prompts are queued durably, run at most once per upstream slot, and streamed
back to the client as the model generates.

Settings come from the environment, a .env file, or a YAML config file
(~/.ragstream/config.yaml). Environment variables always win.
See 'ragstream --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// .env first: it only fills gaps, so the shell still wins.
			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}

			// The logger is built after .env so LOG_LEVEL from the file applies.
			log := logging.New()

			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.ragstream/config.yaml)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file; missing files are ignored")

	root.AddCommand(
		NewServeCmd(),
		NewRoutesCmd(),
		NewCollectionsCmd(),
		NewVersionCmd(),
	)

	return root
}
