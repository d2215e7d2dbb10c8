// Package backend opens the document store selected by configuration.
package backend

import (
	"context"
	"fmt"

	"github.com/aaronwang/carbon-exchange/shared/config"
	"github.com/aaronwang/carbon-exchange/shared/docstore"
	"github.com/aaronwang/carbon-exchange/shared/docstore/redisstore"
	"github.com/aaronwang/carbon-exchange/shared/docstore/sqlstore"
)

// Open connects to the configured backend.
func Open(ctx context.Context, cfg config.Store) (docstore.Store, error) {
	switch cfg.Backend {
	case "memory":
		return docstore.NewMemory(), nil
	case "redis":
		s, err := redisstore.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := sqlstore.OpenPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := sqlstore.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
