package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/docstackhq/docqa-go/internal/logging"
)

// NewCollectionCmd constructs the `docqa collection` command group for
// managing the Qdrant collection backing the chunk store.
func NewCollectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collection",
		Short: "Manage the vector store collection",
	}
	cmd.AddCommand(newCollectionCreateCmd(), newCollectionDeleteCmd(), newCollectionInfoCmd())
	return cmd
}

func newCollectionCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create the collection if it does not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			store, _, err := buildStore(ctx, log)
			if err != nil {
				return fmt.Errorf("collection create: %w", err)
			}
			defer store.Close()

			// NewQdrantStore already ensures the collection; calling again is
			// a no-op but confirms the store is writable.
			if err := store.EnsureCollection(ctx); err != nil {
				return fmt.Errorf("collection create: %w", err)
			}
			fmt.Println("collection ready")
			return nil
		},
	}
}

func newCollectionDeleteCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Drop the collection and every stored chunk",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("collection delete: this drops every chunk for every owner — re-run with --yes to confirm")
			}

			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			store, _, err := buildStore(ctx, log)
			if err != nil {
				return fmt.Errorf("collection delete: %w", err)
			}
			defer store.Close()

			if err := store.DeleteCollection(ctx); err != nil {
				return fmt.Errorf("collection delete: %w", err)
			}
			fmt.Println("collection deleted")
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")
	return cmd
}

func newCollectionInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show collection status and point count",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			store, _, err := buildStore(ctx, log)
			if err != nil {
				return fmt.Errorf("collection info: %w", err)
			}
			defer store.Close()

			info, err := store.DescribeCollection(ctx)
			if err != nil {
				return fmt.Errorf("collection info: %w", err)
			}
			if info == nil {
				fmt.Println("collection does not exist")
				return nil
			}

			fmt.Printf("status: %s\npoints: %d\n", info.GetStatus(), info.GetPointsCount())
			return nil
		},
	}
}
