package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/docstackhq/docqa-go/internal/ingestion"
	"github.com/docstackhq/docqa-go/internal/logging"
)

// NewUploadCmd constructs the `docqa upload` command, which runs the
// ingestion pipeline on a local file and stores the resulting chunks in the
// vector store.
func NewUploadCmd() *cobra.Command {
	var ownerID string
	var conversationID string
	var documentID string
	var sentences int
	var overlap int

	cmd := &cobra.Command{
		Use:   "upload [file]",
		Short: "Ingest a document into the vector store",
		Long: `Split a document into sentence chunks, embed them, and store them in Qdrant.

Pages are separated by form feeds in plain text input. Ingestion is atomic:
the first invalid chunk aborts the upload before anything is stored.

Required environment variables:
  QDRANT_HOST          Qdrant server hostname (default: localhost)
  QDRANT_PORT          Qdrant gRPC port (default: 6334)
  QDRANT_COLLECTION    Collection name (default: docqa-chunks)
  QDRANT_API_KEY       Optional API key for authenticated clusters
  MODEL_PROVIDER       Embedding backend: ollama, openai, azure (default: ollama)
  EMBEDDING_*          Provider-specific overrides (see README)

Examples:
  docqa upload --owner acme --conversation support-42 lease.txt
  docqa upload --owner acme --conversation support-42 --document lease-2024 lease.txt`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			store, emb, err := buildStore(ctx, log)
			if err != nil {
				return fmt.Errorf("upload: %w", err)
			}
			defer store.Close()

			pipeline, err := ingestion.NewPipeline(store, emb, nil, &ingestion.Config{
				SentencesPerChunk: sentences,
				OverlapSentences:  overlap,
			})
			if err != nil {
				return fmt.Errorf("upload: failed to create pipeline: %w", err)
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("upload: failed to open %q: %w", args[0], err)
			}
			defer f.Close()

			if documentID == "" {
				documentID = uuid.NewString()
			}

			result, err := pipeline.Ingest(ctx, ingestion.Document{
				OwnerID:        ownerID,
				DocumentID:     documentID,
				ConversationID: conversationID,
			}, f)
			if err != nil {
				return fmt.Errorf("upload: %w", err)
			}

			log.Info("upload complete",
				slog.String("document_id", documentID),
				slog.Int("chunks", result.Chunks),
				slog.Int("tokens_used", result.TokensUsed),
			)
			fmt.Printf("stored %d chunks for document %s (~%d embedding tokens)\n",
				result.Chunks, documentID, result.TokensUsed)
			return nil
		},
	}

	cmd.Flags().StringVarP(&ownerID, "owner", "o", "", "Owner (tenant) the document belongs to (required)")
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "Conversation the document is uploaded in (required)")
	cmd.Flags().StringVarP(&documentID, "document", "d", "", "Document ID (generated if omitted)")
	cmd.Flags().IntVar(&sentences, "sentences", 0, "Sentences per chunk (default 5)")
	cmd.Flags().IntVar(&overlap, "overlap", 0, "Sentences of overlap between consecutive chunks")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("conversation")

	return cmd
}
