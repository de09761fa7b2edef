package dbclient

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"devstack/internal/domain"
)

// sqlConnector is the shared implementation for MySQL, MariaDB and Postgres.
type sqlConnector struct {
	driverName string
	db         *sql.DB
}

// newSQLConnector creates a generic SQL connector.
func newSQLConnector(driverName, dsn string) (*sqlConnector, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driverName, err)
	}
	// Sensible pool settings for a local tool
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	return &sqlConnector{driverName: driverName, db: db}, nil
}

func (c *sqlConnector) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return c.db.PingContext(ctx)
}

// isReadQuery detects if a query returns rows (SELECT, WITH, SHOW, DESCRIBE, EXPLAIN, VALUES).
func isReadQuery(query string) bool {
	q := strings.ToUpper(strings.TrimSpace(query))
	for _, prefix := range []string{"SELECT", "WITH", "SHOW", "DESCRIBE", "DESC ", "EXPLAIN", "VALUES", "TABLE "} {
		if strings.HasPrefix(q, prefix) {
			return true
		}
	}
	return false
}

func (c *sqlConnector) Execute(ctx context.Context, query string, rowLimit int) (*domain.ResultSet, error) {
	if rowLimit <= 0 {
		rowLimit = DefaultRowLimit
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if !isReadQuery(query) {
		result, err := c.db.ExecContext(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("exec: %w", err)
		}
		affected, _ := result.RowsAffected()
		return &domain.ResultSet{IsWrite: true, AffectedRows: affected}, nil
	}

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanRows(rows, rowLimit)
}

// scanRows reads up to limit rows into a ResultSet.
func scanRows(rows *sql.Rows, limit int) (*domain.ResultSet, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}
	rs := &domain.ResultSet{Columns: cols, Rows: []domain.Row{}}
	for rows.Next() {
		if len(rs.Rows) == limit {
			rs.Truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for j := range values {
			ptrs[j] = &values[j]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(domain.Row, len(cols))
		for j, col := range cols {
			row[col] = formatValue(values[j])
		}
		rs.Rows = append(rs.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	return rs, nil
}

// formatValue converts a database value to a displayable one.
func formatValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return val
	}
}

func (c *sqlConnector) Introspect(ctx context.Context) (*domain.SchemaInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	switch c.driverName {
	case "postgres":
		return c.introspect(ctx, postgresSchemaQueries)
	default:
		return c.introspect(ctx, mysqlSchemaQueries)
	}
}

// schemaQueries lists tables and columns across every user database the
// connection can see. Each query returns (database, table, ...) rows.
type schemaQueries struct {
	tables  string // database, table, type
	columns string // database, table, column, data type, is primary
}

var mysqlSchemaQueries = schemaQueries{
	tables: `SELECT TABLE_SCHEMA, TABLE_NAME, TABLE_TYPE FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA NOT IN ('` + strings.Join(mysqlSystemSchemas, "','") + `')
		ORDER BY TABLE_SCHEMA, TABLE_NAME`,
	columns: `SELECT TABLE_SCHEMA, TABLE_NAME, COLUMN_NAME, DATA_TYPE, COLUMN_KEY = 'PRI'
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA NOT IN ('` + strings.Join(mysqlSystemSchemas, "','") + `')
		ORDER BY TABLE_SCHEMA, TABLE_NAME, ORDINAL_POSITION`,
}

var postgresSchemaQueries = schemaQueries{
	tables: `SELECT current_database(),
			CASE WHEN table_schema = 'public' THEN table_name ELSE table_schema || '.' || table_name END,
			table_type
		FROM information_schema.tables
		WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
		ORDER BY table_schema, table_name`,
	columns: `SELECT current_database(),
			CASE WHEN c.table_schema = 'public' THEN c.table_name ELSE c.table_schema || '.' || c.table_name END,
			c.column_name, c.data_type,
			EXISTS (
				SELECT 1 FROM information_schema.table_constraints tc
				JOIN information_schema.key_column_usage k
					ON k.constraint_name = tc.constraint_name AND k.table_schema = tc.table_schema
				WHERE tc.constraint_type = 'PRIMARY KEY'
					AND tc.table_schema = c.table_schema AND tc.table_name = c.table_name
					AND k.column_name = c.column_name
			)
		FROM information_schema.columns c
		WHERE c.table_schema NOT IN ('pg_catalog', 'information_schema')
		ORDER BY c.table_schema, c.table_name, c.ordinal_position`,
}

func (c *sqlConnector) introspect(ctx context.Context, q schemaQueries) (*domain.SchemaInfo, error) {
	b := newSchemaBuilder()

	rows, err := c.db.QueryContext(ctx, q.tables)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	for rows.Next() {
		var db, table, typ string
		if err := rows.Scan(&db, &table, &typ); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan table: %w", err)
		}
		b.table(db, table, strings.ToLower(typ))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	colRows, err := c.db.QueryContext(ctx, q.columns)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer colRows.Close()
	for colRows.Next() {
		var (
			db, table string
			col       domain.ColumnInfo
		)
		if err := colRows.Scan(&db, &table, &col.Name, &col.Type, &col.IsPrimary); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		b.column(db, table, col)
	}
	if err := colRows.Err(); err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	return b.build(), nil
}

func (c *sqlConnector) Close() error {
	return c.db.Close()
}

// ── Helpers shared by all connectors ───────────────────────

func hostPort(conn domain.ConnectionInfo, defPort uint16) string {
	host := conn.Host
	if host == "" {
		host = "localhost"
	}
	port := conn.Port
	if port == 0 {
		port = defPort
	}
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

// schemaBuilder assembles a SchemaInfo keeping first-seen order.
type schemaBuilder struct {
	dbs    []*domain.DatabaseInfo
	dbIdx  map[string]int
	tblIdx map[string]int
}

func newSchemaBuilder() *schemaBuilder {
	return &schemaBuilder{dbIdx: map[string]int{}, tblIdx: map[string]int{}}
}

func (b *schemaBuilder) database(name string) *domain.DatabaseInfo {
	if i, ok := b.dbIdx[name]; ok {
		return b.dbs[i]
	}
	b.dbIdx[name] = len(b.dbs)
	b.dbs = append(b.dbs, &domain.DatabaseInfo{Name: name})
	return b.dbs[len(b.dbs)-1]
}

func (b *schemaBuilder) table(db, name, typ string) *domain.TableInfo {
	d := b.database(db)
	key := db + "\x00" + name
	if i, ok := b.tblIdx[key]; ok {
		return &d.Tables[i]
	}
	b.tblIdx[key] = len(d.Tables)
	d.Tables = append(d.Tables, domain.TableInfo{Name: name, Type: typ})
	return &d.Tables[len(d.Tables)-1]
}

func (b *schemaBuilder) column(db, table string, col domain.ColumnInfo) {
	t := b.table(db, table, "table")
	t.Columns = append(t.Columns, col)
}

func (b *schemaBuilder) build() *domain.SchemaInfo {
	out := &domain.SchemaInfo{Databases: make([]domain.DatabaseInfo, 0, len(b.dbs))}
	for _, d := range b.dbs {
		out.Databases = append(out.Databases, *d)
	}
	return out
}
