package dbclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"devstack/internal/domain"
)

// Pool keeps one live Connector per connection and routes queries to it.
// It satisfies the query execution, schema and connection-closing
// capabilities used by query sessions.
type Pool struct {
	rowLimit     int
	newConnector func(domain.ConnectionInfo) (Connector, error)

	mu      sync.Mutex
	entries map[string]*connEntry
}

type connEntry struct {
	connector Connector
	createdAt time.Time
	lastUsed  time.Time
}

// NewPool creates a Pool. rowLimit <= 0 uses DefaultRowLimit.
func NewPool(rowLimit int) *Pool {
	return newPool(rowLimit, NewConnector)
}

func newPool(rowLimit int, factory func(domain.ConnectionInfo) (Connector, error)) *Pool {
	if rowLimit <= 0 {
		rowLimit = DefaultRowLimit
	}
	return &Pool{
		rowLimit:     rowLimit,
		newConnector: factory,
		entries:      make(map[string]*connEntry),
	}
}

// Run executes query on conn.
func (p *Pool) Run(ctx context.Context, conn domain.ConnectionInfo, query string) (*domain.ResultSet, error) {
	c, err := p.connector(conn)
	if err != nil {
		return nil, err
	}
	return c.Execute(ctx, query, p.rowLimit)
}

// Introspect describes conn.
func (p *Pool) Introspect(ctx context.Context, conn domain.ConnectionInfo) (*domain.SchemaInfo, error) {
	c, err := p.connector(conn)
	if err != nil {
		return nil, err
	}
	return c.Introspect(ctx)
}

// Ping checks that conn is reachable.
func (p *Pool) Ping(ctx context.Context, conn domain.ConnectionInfo) error {
	c, err := p.connector(conn)
	if err != nil {
		return err
	}
	return c.Ping(ctx)
}

// CloseConnection closes the connector for conn, if one is open.
func (p *Pool) CloseConnection(conn domain.ConnectionInfo) error {
	p.mu.Lock()
	e, ok := p.entries[conn.Key()]
	delete(p.entries, conn.Key())
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return e.connector.Close()
}

// CloseIdle closes connectors unused for longer than maxIdle.
func (p *Pool) CloseIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	var stale []Connector
	p.mu.Lock()
	for key, e := range p.entries {
		if e.lastUsed.Before(cutoff) {
			stale = append(stale, e.connector)
			delete(p.entries, key)
		}
	}
	p.mu.Unlock()
	for _, c := range stale {
		c.Close()
	}
	return len(stale)
}

// Close closes every connector.
func (p *Pool) Close() error {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*connEntry)
	p.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		if err := e.connector.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Len returns the number of open connectors.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool) connector(conn domain.ConnectionInfo) (Connector, error) {
	key := conn.Key()
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok {
		e.lastUsed = time.Now()
		return e.connector, nil
	}
	c, err := p.newConnector(conn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", conn.Engine, err)
	}
	now := time.Now()
	p.entries[key] = &connEntry{connector: c, createdAt: now, lastUsed: now}
	log.Debug().Str("engine", string(conn.Engine)).Str("instance", conn.InstanceID).
		Uint16("port", conn.Port).Msg("connector opened")
	return c, nil
}
