package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cloudwego/eino/callbacks"
	"github.com/spf13/cobra"

	"github.com/docstackhq/docqa-go/internal/history"
	"github.com/docstackhq/docqa-go/internal/ingestion"
	"github.com/docstackhq/docqa-go/internal/logging"
	"github.com/docstackhq/docqa-go/internal/provider"
	"github.com/docstackhq/docqa-go/internal/qa"
	"github.com/docstackhq/docqa-go/internal/rag"
	"github.com/docstackhq/docqa-go/internal/server"
	"github.com/docstackhq/docqa-go/internal/tracing"
)

// NewServeCmd constructs the `docqa serve` command, which starts the HTTP
// server exposing the upload and question answering API.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the docqa HTTP server",
		Long: `Start the docqa HTTP server on localhost.

The server exposes a REST API for document upload, question answering,
chunk inspection, and collection management. Every data route is scoped
by owner_id.

Examples:
  docqa serve
  docqa serve --port 9090
  MODEL_PROVIDER=azure docqa serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			log.Info("serve starting", slog.String("provider", os.Getenv("MODEL_PROVIDER")))

			// Setup Langfuse tracing — opt-in, no-op if keys are absent.
			handler, flush, ok := tracing.Setup()
			if ok {
				callbacks.AppendGlobalHandlers(handler)
				defer flush()
				log.Info("langfuse tracing enabled")
			} else {
				log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
			}

			chatModel, err := provider.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("serve: failed to initialise model provider: %w", err)
			}
			backend := getEnvOrDefault("MODEL_PROVIDER", "ollama")
			log.Info("provider initialised", slog.String("provider", backend))

			store, emb, err := buildStore(ctx, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer store.Close()

			// Open conversation history store. DOCQA_HISTORY_DB overrides the
			// default path (~/.docqa/history.db). Set to "disabled" to disable.
			var historyStore history.Store
			dbPath := os.Getenv("DOCQA_HISTORY_DB")
			if dbPath != "disabled" {
				if dbPath == "" {
					dbPath, err = history.DefaultDBPath()
					if err != nil {
						log.Warn("history: could not resolve default DB path, disabling", slog.Any("error", err))
					}
				}
				if dbPath != "" {
					hs, hsErr := history.Open(dbPath)
					if hsErr != nil {
						log.Warn("history: failed to open store, disabling", slog.Any("error", hsErr))
					} else {
						historyStore = hs
						defer func() { _ = hs.Close() }()
						log.Info("history: store opened", slog.String("path", dbPath))
					}
				}
			} else {
				log.Info("history: disabled via DOCQA_HISTORY_DB=disabled")
			}

			retrievers := rag.NewRetrieverFactory(emb, store, retrievalOptionsFromEnv())

			qaPipeline, err := qa.New(&qa.Config{
				Generator:  chatModel,
				Retrievers: retrievers,
				History:    historyStore,
			})
			if err != nil {
				return fmt.Errorf("serve: failed to initialise qa pipeline: %w", err)
			}

			ingestPipeline, err := ingestion.NewPipeline(store, emb, nil, &ingestion.Config{
				SentencesPerChunk: getEnvInt("INGEST_SENTENCES_PER_CHUNK", 0),
				OverlapSentences:  getEnvInt("INGEST_OVERLAP_SENTENCES", 0),
			})
			if err != nil {
				return fmt.Errorf("serve: failed to initialise ingestion pipeline: %w", err)
			}

			srv, err := server.New(qaPipeline, ingestPipeline, store, store, &server.Config{
				Host:    host,
				Port:    port,
				Logger:  log,
				Pingers: buildPingers(store, backend),
				APIKey:  os.Getenv("DOCQA_API_KEY"),
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on")

	return cmd
}

// buildPingers assembles the dependency probes for GET /api/ready: the chunk
// store always, plus a zero-cost HTTP probe for Ollama when it is the model
// backend. Remote API backends are not probed to avoid burning quota on
// readiness checks.
func buildPingers(store *rag.QdrantStore, backend string) []server.Pinger {
	pingers := []server.Pinger{store}

	if backend == "ollama" {
		base := strings.TrimRight(getEnvOrDefault("OLLAMA_HOST", "http://localhost:11434"), "/")
		pingers = append(pingers, server.NewHTTPPinger("ollama", base+"/api/tags"))
	}

	return pingers
}
