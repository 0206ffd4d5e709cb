package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/docstackhq/docqa-go/internal/embedder"
	"github.com/docstackhq/docqa-go/internal/rag"
)

// buildStore validates the embedding configuration, constructs the embedder
// from the environment, and connects to the Qdrant chunk store. The caller
// owns the returned store and must Close it.
func buildStore(ctx context.Context, log *slog.Logger) (*rag.QdrantStore, rag.Embedder, error) {
	if err := embedder.Preflight(log); err != nil {
		return nil, nil, err
	}

	emb, err := embedder.NewFromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}

	embBackend := getEnvOrDefault("EMBEDDING_PROVIDER", getEnvOrDefault("MODEL_PROVIDER", "ollama"))
	host := getEnvOrDefault("QDRANT_HOST", "localhost")
	port := getEnvInt("QDRANT_PORT", 6334)
	collection := getEnvOrDefault("QDRANT_COLLECTION", "docqa-chunks")

	store, err := rag.NewQdrantStore(ctx, &rag.QdrantConfig{
		Host:       host,
		Port:       port,
		Collection: collection,
		VectorSize: uint64(embedder.DefaultDimensions(embBackend)), //nolint:gosec // dimensions are bounded
		APIKey:     os.Getenv("QDRANT_API_KEY"),
		UseTLS:     os.Getenv("QDRANT_TLS") == "true",
	}, emb)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Qdrant at %s:%d: %w", host, port, err)
	}

	log.Info("qdrant store ready",
		slog.String("host", host),
		slog.Int("port", port),
		slog.String("collection", collection),
	)
	return store, emb, nil
}

// retrievalOptionsFromEnv builds the retriever tuning from RETRIEVAL_* env
// vars, falling back to the package defaults for anything unset.
func retrievalOptionsFromEnv() rag.RetrieverOptions {
	opts := rag.RetrieverOptions{
		Mode:   rag.Mode(getEnvOrDefault("RETRIEVAL_MODE", string(rag.ModeMMR))),
		K:      getEnvInt("RETRIEVAL_TOP_K", 0),
		FetchK: getEnvInt("RETRIEVAL_FETCH_K", 0),
		Lambda: getEnvFloat32("RETRIEVAL_LAMBDA", 0),
	}
	if raw := os.Getenv("RETRIEVAL_SCORE_THRESHOLD"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 32); err == nil {
			opts = opts.WithScoreThreshold(float32(v))
		}
	}
	return opts
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the named environment variable parsed as an int, or
// fallback if unset or unparsable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvFloat32 returns the named environment variable parsed as a float32,
// or fallback if unset or unparsable.
func getEnvFloat32(key string, fallback float32) float32 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return fallback
}
