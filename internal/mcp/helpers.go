package mcpserver

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"devstack/internal/domain"
)

func requireString(req mcp.CallToolRequest, key string) (string, error) {
	v := strings.TrimSpace(req.GetString(key, ""))
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

func getFloat(args map[string]any, key string, fallback float64) float64 {
	if v, ok := args[key].(float64); ok {
		return v
	}
	return fallback
}

func getBool(args map[string]any, key string, fallback bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return fallback
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// marshalMeta encodes approval metadata.
func marshalMeta(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

var sqlWritePrefixes = []string{
	"UPDATE", "DELETE", "DROP", "INSERT", "ALTER", "TRUNCATE", "CREATE", "REPLACE", "GRANT", "REVOKE", "RENAME",
}

var redisWriteCommands = map[string]bool{
	"SET": true, "SETEX": true, "SETNX": true, "MSET": true, "APPEND": true, "DEL": true, "UNLINK": true,
	"EXPIRE": true, "PERSIST": true, "RENAME": true, "INCR": true, "INCRBY": true, "DECR": true, "DECRBY": true,
	"HSET": true, "HDEL": true, "HMSET": true, "LPUSH": true, "RPUSH": true, "LPOP": true, "RPOP": true, "LREM": true,
	"SADD": true, "SREM": true, "ZADD": true, "ZREM": true, "FLUSHDB": true, "FLUSHALL": true, "CONFIG": true,
	"SHUTDOWN": true,
}

// isWriteQuery reports whether query may modify data on engine. Unparsable
// MongoDB queries count as writes.
func isWriteQuery(engine domain.EngineKind, query string) bool {
	q := strings.TrimSpace(query)
	switch engine {
	case domain.EngineMongoDB:
		var doc struct {
			Operation string `json:"operation"`
		}
		if err := json.Unmarshal([]byte(q), &doc); err != nil {
			return true
		}
		switch doc.Operation {
		case "", "find", "aggregate", "count":
			return false
		}
		return true
	case domain.EngineRedis:
		name, _, _ := strings.Cut(q, " ")
		return redisWriteCommands[strings.ToUpper(name)]
	default:
		upper := strings.ToUpper(q)
		for _, p := range sqlWritePrefixes {
			if strings.HasPrefix(upper, p) {
				return true
			}
		}
		return false
	}
}
