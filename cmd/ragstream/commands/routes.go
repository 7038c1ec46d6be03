package commands

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/54b3r/ragstream/internal/logging"
	"github.com/54b3r/ragstream/internal/router"
)

// NewRoutesCmd constructs the `ragstream routes` command group.
func NewRoutesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Manage semantic routes",
		Long: `Inspect and rebuild the semantic route collection.

Routes are read from SEMANTIC_ROUTES_FILE (default: semantic-routes.json).
The server builds the collection on first use; run 'routes rebuild' after
editing the file to pick up changes without a restart.`,
	}
	cmd.AddCommand(newRoutesListCmd(), newRoutesRebuildCmd())
	return cmd
}

func newRoutesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the routes defined in the route file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			file := getEnvOrDefault("SEMANTIC_ROUTES_FILE", "semantic-routes.json")
			routes, err := router.LoadRoutes(file, router.DefaultActions(router.DefaultReplyDelay))
			if err != nil {
				return err
			}

			topic := color.New(color.FgGreen, color.Bold).SprintFunc()
			dim := color.New(color.FgHiBlack).SprintFunc()
			out := cmd.OutOrStdout()
			for _, r := range routes {
				fmt.Fprintf(out, "%s %s\n", topic(r.Topic),
					dim(fmt.Sprintf("(action=%s threshold=%g)", r.Action, r.Threshold)))
				for _, p := range r.Phrases {
					fmt.Fprintf(out, "  - %s\n", p)
				}
				if r.Text != "" {
					fmt.Fprintf(out, "  > %s\n", strings.TrimSpace(r.Text))
				}
			}
			fmt.Fprintf(out, "%d routes in %s\n", len(routes), file)
			return nil
		},
	}
}

func newRoutesRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Drop and re-embed the semantic route collection",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := logging.New()

			chunker, err := buildChunker(log)
			if err != nil {
				return err
			}
			store, _, err := buildVectorStore(log)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			rt, err := buildRouter(store, chunker, log)
			if err != nil {
				return err
			}
			n, err := rt.Build(ctx)
			if err != nil {
				return err
			}

			ok := color.New(color.FgGreen, color.Bold).SprintFunc()
			fmt.Fprintf(cmd.OutOrStdout(), "%s stored %d phrases in %q\n", ok("✓"), n, router.Collection)
			return nil
		},
	}
}
