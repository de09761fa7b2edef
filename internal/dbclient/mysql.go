package dbclient

import (
	"github.com/go-sql-driver/mysql"

	"devstack/internal/domain"
)

// buildMySQLDSN constructs a MySQL/MariaDB DSN from a ConnectionInfo.
func buildMySQLDSN(conn domain.ConnectionInfo) string {
	cfg := mysql.NewConfig()
	cfg.User = conn.Username
	cfg.Passwd = conn.Password
	cfg.Net = "tcp"
	cfg.Addr = hostPort(conn, 3306)
	cfg.DBName = conn.Database
	cfg.ParseTime = true
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

var mysqlSystemSchemas = []string{"information_schema", "mysql", "performance_schema", "sys"}
