package store

import (
	"fmt"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Every pooled connection gets WAL so drains never block appends; NORMAL
// synchronous keeps committed rows across a process crash.
var connectionPragmas = []string{
	"PRAGMA busy_timeout=5000",
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=OFF",
	"PRAGMA cache_size=-2048",
	"PRAGMA temp_store=MEMORY",
}

func openPool(path string, size int) (*sqlitex.Pool, error) {
	if size <= 0 {
		size = runtime.NumCPU()
		if size < 2 {
			size = 2
		}
		if size > 4 {
			size = 4
		}
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return pool, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	for _, pragma := range connectionPragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}
