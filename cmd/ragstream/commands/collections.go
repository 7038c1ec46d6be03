package commands

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/54b3r/ragstream/internal/janitor"
	"github.com/54b3r/ragstream/internal/logging"
	"github.com/54b3r/ragstream/internal/router"
)

// NewCollectionsCmd constructs the `ragstream collections` command group.
func NewCollectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collections",
		Short: "Inspect and prune session collections",
	}
	cmd.AddCommand(newCollectionsListCmd(), newCollectionsDeleteCmd(), newCollectionsSweepCmd())
	return cmd
}

func newCollectionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List collections with the age of each session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, _, err := buildVectorStore(logging.New())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			names, err := store.ListCollections(ctx)
			if err != nil {
				return err
			}
			sort.Strings(names)

			maxAge := getEnvDuration("COLLECTION_MAX_AGE", janitor.DefaultMaxAge)
			fresh := color.New(color.FgGreen).SprintFunc()
			stale := color.New(color.FgYellow).SprintFunc()
			other := color.New(color.FgCyan).SprintFunc()
			out := cmd.OutOrStdout()

			for _, name := range names {
				created, ok := janitor.SessionCreatedAt(name)
				switch {
				case !ok:
					fmt.Fprintf(out, "%-40s %s\n", name, other("(not a session)"))
				case time.Since(created) > maxAge:
					fmt.Fprintf(out, "%-40s %s\n", name, stale(fmt.Sprintf("age %s, due for cleanup", age(created))))
				default:
					fmt.Fprintf(out, "%-40s %s\n", name, fresh("age "+age(created)))
				}
			}
			fmt.Fprintf(out, "%d collections\n", len(names))
			return nil
		},
	}
}

func newCollectionsDeleteCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "delete [name]",
		Short: "Delete one collection, or every collection with --all",
		Args: func(_ *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("pass exactly one collection name or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, _, err := buildVectorStore(logging.New())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			names := args
			if all {
				if names, err = store.ListCollections(ctx); err != nil {
					return err
				}
			}

			red := color.New(color.FgRed).SprintFunc()
			out := cmd.OutOrStdout()
			for _, name := range names {
				if err := store.DeleteCollection(ctx, name); err != nil {
					return fmt.Errorf("delete %s: %w", name, err)
				}
				fmt.Fprintf(out, "%s %s\n", red("deleted"), name)
			}
			if all && len(names) > 0 {
				fmt.Fprintf(out, "note: %q was removed too; it is rebuilt on the next routed prompt\n", router.Collection)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Delete every collection, including the route collection")
	return cmd
}

func newCollectionsSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete session collections older than COLLECTION_MAX_AGE once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()
			store, _, err := buildVectorStore(log)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			jan, err := janitor.New(janitor.Config{
				Store:  store,
				MaxAge: getEnvDuration("COLLECTION_MAX_AGE", janitor.DefaultMaxAge),
				Logger: logging.Component(log, "janitor"),
			})
			if err != nil {
				return err
			}
			deleted, err := jan.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range deleted {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d collections deleted\n", len(deleted))
			return nil
		},
	}
}

// age renders the time since t rounded to the minute.
func age(t time.Time) string {
	return time.Since(t).Round(time.Minute).String()
}
