package main

import (
	"context"
	"fmt"

	"github.com/Sternrassler/offline-agent/pkg/config"
	"github.com/Sternrassler/offline-agent/pkg/store"
	"github.com/spf13/cobra"
)

func newCachesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "caches",
		Short: "Inspect and delete cache generations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cache generations in creation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaches(cmd.Context(), func(caches *store.Caches) error {
				names, err := caches.Names(cmd.Context())
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <name>...",
		Short: "Delete cache generations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaches(cmd.Context(), func(caches *store.Caches) error {
				return deleteCaches(cmd, caches, args)
			})
		},
	})

	return cmd
}

func deleteCaches(cmd *cobra.Command, caches *store.Caches, names []string) error {
	for _, name := range names {
		deleted, err := caches.Delete(cmd.Context(), name)
		if err != nil {
			return fmt.Errorf("delete %s: %w", name, err)
		}
		if deleted {
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", name)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s not found\n", name)
		}
	}
	return nil
}

// withCaches opens the configured backend for the duration of fn.
func withCaches(ctx context.Context, fn func(*store.Caches) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	return fn(store.NewCaches(backend))
}
