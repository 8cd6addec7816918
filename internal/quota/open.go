package quota

import (
	"context"
	"fmt"

	. "github.com/roelfdiedericks/fallgate/internal/logging"
	"github.com/roelfdiedericks/fallgate/internal/paths"
)

// Open returns the store named by kind: memory, sqlite (default) or redis.
// An empty sqlitePath means ~/.fallgate/quota.db.
func Open(ctx context.Context, kind, sqlitePath, redisURL string) (Store, error) {
	switch kind {
	case "memory":
		L_warn("quota: using in-memory store, counters reset on restart")
		return NewMemoryStore(), nil
	case "redis":
		s, err := NewRedisStore(ctx, redisURL)
		if err != nil {
			return nil, err
		}
		L_info("quota: using redis store")
		return s, nil
	case "", "sqlite":
		if sqlitePath == "" {
			p, err := paths.QuotaDBPath()
			if err != nil {
				return nil, err
			}
			sqlitePath = p
		}
		s, err := OpenSQLiteStore(sqlitePath)
		if err != nil {
			return nil, err
		}
		L_info("quota: using sqlite store", "path", sqlitePath)
		return s, nil
	}
	return nil, fmt.Errorf("unknown quota store %q", kind)
}
