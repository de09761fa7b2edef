package dbclient

import (
	"context"
	"errors"
	"fmt"

	"devstack/internal/domain"
)

// DefaultRowLimit caps the rows a read returns when no limit is configured.
const DefaultRowLimit = 500

// ErrSchemaUnsupported is returned by connectors that cannot describe
// their engine as a database/table/column tree.
var ErrSchemaUnsupported = errors.New("schema browsing not supported")

// Connector abstracts interaction with one local database server.
type Connector interface {
	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Execute runs a query. Reads return at most rowLimit rows and set
	// Truncated when more were available; writes report affected rows.
	Execute(ctx context.Context, query string, rowLimit int) (*domain.ResultSet, error)

	// Introspect returns the database → table → column tree.
	Introspect(ctx context.Context) (*domain.SchemaInfo, error)

	// Close closes the connection.
	Close() error
}

// NewConnector creates a Connector for the given connection.
func NewConnector(conn domain.ConnectionInfo) (Connector, error) {
	switch conn.Engine {
	case domain.EngineMySQL, domain.EngineMariaDB:
		return newSQLConnector("mysql", buildMySQLDSN(conn))
	case domain.EnginePostgreSQL:
		return newSQLConnector("postgres", buildPostgresDSN(conn))
	case domain.EngineMongoDB:
		return newMongoConnector(conn)
	case domain.EngineRedis:
		return newRedisConnector(conn)
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownEngine, conn.Engine)
	}
}
