package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/docstackhq/docqa-go/internal/history"
	"github.com/docstackhq/docqa-go/internal/logging"
	"github.com/docstackhq/docqa-go/internal/provider"
	"github.com/docstackhq/docqa-go/internal/qa"
	"github.com/docstackhq/docqa-go/internal/rag"
)

// NewAskCmd constructs the `docqa ask` command, which answers a single
// question over the owner's ingested documents and prints the answer with
// its sources to stdout.
func NewAskCmd() *cobra.Command {
	var ownerID string
	var conversationID string
	var documentID string
	var conversationScope bool
	var showSources bool

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question over your ingested documents",
		Long: `Ask a natural language question over the documents ingested for an owner.

The answer is generated strictly from the retrieved document chunks. When no
related chunks are found, a fixed fallback answer is returned instead.

Examples:
  docqa ask --owner acme --conversation support-42 "what is the notice period?"
  docqa ask --owner acme --conversation support-42 --document lease-2024 "who pays utilities?"
  docqa ask --owner acme --conversation support-42 --conversation-scope "and the deposit?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			chatModel, err := provider.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("ask: failed to initialise model provider: %w", err)
			}

			store, emb, err := buildStore(ctx, log)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer store.Close()

			var historyStore history.Store
			if dbPath, pathErr := history.DefaultDBPath(); pathErr == nil {
				if hs, openErr := history.Open(dbPath); openErr == nil {
					historyStore = hs
					defer func() { _ = hs.Close() }()
				}
			}

			pipeline, err := qa.New(&qa.Config{
				Generator:  chatModel,
				Retrievers: rag.NewRetrieverFactory(emb, store, retrievalOptionsFromEnv()),
				History:    historyStore,
			})
			if err != nil {
				return fmt.Errorf("ask: failed to initialise pipeline: %w", err)
			}

			answer, err := pipeline.Ask(ctx, qa.Request{
				OwnerID:              ownerID,
				ConversationID:       conversationID,
				DocumentID:           documentID,
				UseConversationScope: conversationScope,
				Question:             args[0],
			})
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			fmt.Println(answer.Text)

			if showSources && len(answer.Sources) > 0 {
				fmt.Println("\nSources:")
				for i, src := range answer.Sources {
					fmt.Printf("  [%d] document %s, page %d (score %.3f)\n",
						i+1, src.Chunk.Metadata.DocumentID, src.Chunk.Metadata.PageNumber, src.Score)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&ownerID, "owner", "o", "", "Owner (tenant) the question is scoped to (required)")
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "Conversation thread for history (required)")
	cmd.Flags().StringVarP(&documentID, "document", "d", "", "Restrict retrieval to a single document")
	cmd.Flags().BoolVar(&conversationScope, "conversation-scope", false, "Restrict retrieval to chunks uploaded in this conversation")
	cmd.Flags().BoolVar(&showSources, "sources", true, "Print the source chunks after the answer")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("conversation")

	return cmd
}
