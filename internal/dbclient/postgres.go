package dbclient

import (
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"devstack/internal/domain"
)

// buildPostgresDSN constructs a Postgres connection string from a ConnectionInfo.
func buildPostgresDSN(conn domain.ConnectionInfo) string {
	host := conn.Host
	if host == "" {
		host = "localhost"
	}
	port := conn.Port
	if port == 0 {
		port = 5432
	}
	db := conn.Database
	if db == "" {
		db = "postgres"
	}
	parts := []string{
		"host=" + pqQuote(host),
		fmt.Sprintf("port=%d", port),
		"user=" + pqQuote(conn.Username),
		"dbname=" + pqQuote(db),
		"sslmode=disable",
	}
	if conn.Password != "" {
		parts = append(parts, "password="+pqQuote(conn.Password))
	}
	return strings.Join(parts, " ")
}

// pqQuote quotes a keyword/value connection string value when needed.
func pqQuote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
