package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/durable/pkg/persistence"
	"github.com/dukex/durable/pkg/persistence/file"
	"github.com/dukex/durable/pkg/persistence/memory"
	"github.com/dukex/durable/pkg/persistence/postgresql"
	"github.com/dukex/durable/pkg/persistence/redis"
)

var ErrUnsupportedPersistence = errors.New("unsupported persistence provider")

// NewPersistence picks the backend from the URL scheme. A bare path uses the file
// backend.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	provider, rest := parsePersistenceProvider(databaseURL)

	logger.InfoContext(ctx, "Initializing persistence", "provider", provider)

	switch provider {
	case "memory":
		return memory.NewPersistence(), nil
	case "file":
		if rest == "" {
			return nil, fmt.Errorf("%w: file persistence needs a directory", ErrUnsupportedPersistence)
		}

		return file.NewPersistence(rest), nil
	case "postgres", "postgresql":
		p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, err
		}

		return p, nil
	case "redis", "rediss":
		p, err := redis.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, err
		}

		return p, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPersistence, provider)
	}
}

func parsePersistenceProvider(databaseURL string) (string, string) {
	scheme, rest, found := strings.Cut(databaseURL, "://")
	if !found {
		if databaseURL == "memory" {
			return "memory", ""
		}

		return "file", databaseURL
	}

	return scheme, rest
}
