package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/docstackhq/docqa-go/internal/logging"
	"github.com/docstackhq/docqa-go/internal/rag"
)

// NewSearchCmd constructs the `docqa search` command, which runs a raw
// similarity search over stored chunks and prints the matches with their
// scores. Unlike `docqa ask` it never calls the LLM.
func NewSearchCmd() *cobra.Command {
	var ownerID string
	var documentID string
	var conversationID string
	var limit int

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search stored chunks by similarity",
		Long: `Search the stored chunks of an owner by vector similarity and print the
matches by descending score. Useful for inspecting what retrieval would feed
the answer pipeline.

Examples:
  docqa search --owner acme "notice period"
  docqa search --owner acme --document lease-2024 -k 10 "termination"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			store, _, err := buildStore(ctx, log)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			defer store.Close()

			f := rag.Filter{
				OwnerID:        ownerID,
				DocumentID:     documentID,
				ConversationID: conversationID,
			}
			results, err := store.Search(ctx, args[0], f, limit)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}

			n := 0
			for c, score := range results {
				n++
				fmt.Printf("[%d] document %s, page %d, position %d (score %.3f)\n%s\n\n",
					n, c.Metadata.DocumentID, c.Metadata.PageNumber, c.Metadata.PagePosition, score, c.Content)
			}
			if n == 0 {
				fmt.Println("No matching chunks found.")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&ownerID, "owner", "o", "", "Owner (tenant) whose chunks are searched (required)")
	cmd.Flags().StringVarP(&documentID, "document", "d", "", "Restrict the search to a single document")
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "Restrict the search to one conversation")
	cmd.Flags().IntVarP(&limit, "limit", "k", rag.DefaultK, "Maximum number of results")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}
