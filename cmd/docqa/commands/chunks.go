package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/docstackhq/docqa-go/internal/logging"
	"github.com/docstackhq/docqa-go/internal/rag"
)

// NewChunksCmd constructs the `docqa chunks` command group for inspecting
// and deleting stored chunks.
func NewChunksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chunks",
		Short: "Inspect or delete stored chunks",
	}
	cmd.AddCommand(newChunksListCmd(), newChunksDeleteCmd())
	return cmd
}

// chunkFilterFlags registers the shared scoping flags and returns a getter
// that assembles the filter after flag parsing.
func chunkFilterFlags(cmd *cobra.Command) func() rag.Filter {
	var ownerID, documentID, conversationID string
	cmd.Flags().StringVarP(&ownerID, "owner", "o", "", "Owner (tenant) scope (required)")
	cmd.Flags().StringVarP(&documentID, "document", "d", "", "Restrict to a single document")
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "Restrict to a single conversation")
	_ = cmd.MarkFlagRequired("owner")
	return func() rag.Filter {
		return rag.Filter{OwnerID: ownerID, DocumentID: documentID, ConversationID: conversationID}
	}
}

func newChunksListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored chunks for an owner",
		Long: `List the stored chunks matching the owner/document/conversation scope,
in document page order.

Examples:
  docqa chunks list --owner acme
  docqa chunks list --owner acme --document lease-2024`,
	}
	filter := chunkFilterFlags(cmd)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := logging.New()
		ctx = logging.WithLogger(ctx, log)

		store, _, err := buildStore(ctx, log)
		if err != nil {
			return fmt.Errorf("chunks list: %w", err)
		}
		defer store.Close()

		chunks, err := store.Get(ctx, filter())
		if err != nil {
			return fmt.Errorf("chunks list: %w", err)
		}

		fmt.Printf("%d chunks\n", len(chunks))
		for _, c := range chunks {
			fmt.Printf("--- document %s, page %d, position %d\n%s\n",
				c.Metadata.DocumentID, c.Metadata.PageNumber, c.Metadata.PagePosition, c.Content)
		}
		return nil
	}
	return cmd
}

func newChunksDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete stored chunks for an owner",
		Long: `Delete every stored chunk matching the owner/document/conversation scope.
Deleting an empty scope is not an error.

Examples:
  docqa chunks delete --owner acme --document lease-2024
  docqa chunks delete --owner acme`,
	}
	filter := chunkFilterFlags(cmd)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := logging.New()
		ctx = logging.WithLogger(ctx, log)

		store, _, err := buildStore(ctx, log)
		if err != nil {
			return fmt.Errorf("chunks delete: %w", err)
		}
		defer store.Close()

		if err := store.Delete(ctx, filter()); err != nil {
			return fmt.Errorf("chunks delete: %w", err)
		}
		fmt.Println("deleted")
		return nil
	}
	return cmd
}
