package dbclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"devstack/internal/domain"
)

// redisConnector implements Connector for Redis. Queries are plain
// commands ("HGETALL user:1") sent through Do.
type redisConnector struct {
	client *redis.Client
}

func newRedisConnector(conn domain.ConnectionInfo) (*redisConnector, error) {
	db := 0
	if conn.Database != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(conn.Database, "db"))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid redis database %q", conn.Database)
		}
		db = n
	}
	client := redis.NewClient(&redis.Options{
		Addr:        hostPort(conn, 6379),
		Username:    conn.Username,
		Password:    conn.Password,
		DB:          db,
		DialTimeout: 10 * time.Second,
	})
	return &redisConnector{client: client}, nil
}

func (r *redisConnector) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

func (r *redisConnector) Execute(ctx context.Context, query string, rowLimit int) (*domain.ResultSet, error) {
	if rowLimit <= 0 {
		rowLimit = DefaultRowLimit
	}
	args, err := splitCommand(query)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmdArgs := make([]any, len(args))
	for i, a := range args {
		cmdArgs[i] = a
	}
	val, err := r.client.Do(ctx, cmdArgs...).Result()
	if errors.Is(err, redis.Nil) {
		return &domain.ResultSet{Columns: []string{"value"}, Rows: []domain.Row{{"value": nil}}}, nil
	}
	if err != nil {
		return nil, err
	}
	return redisResult(val, rowLimit), nil
}

// redisResult shapes a reply into rows: scalars become one "value" row,
// arrays become (index, value) rows and maps become (key, value) rows.
func redisResult(val any, limit int) *domain.ResultSet {
	switch v := val.(type) {
	case []any:
		rs := &domain.ResultSet{Columns: []string{"index", "value"}, Rows: []domain.Row{}}
		for i, e := range v {
			if i == limit {
				rs.Truncated = true
				break
			}
			rs.Rows = append(rs.Rows, domain.Row{"index": i, "value": formatRedis(e)})
		}
		return rs
	case map[any]any:
		keys := make([]string, 0, len(v))
		byKey := make(map[string]any, len(v))
		for k, e := range v {
			ks := fmt.Sprint(k)
			keys = append(keys, ks)
			byKey[ks] = e
		}
		sort.Strings(keys)
		rs := &domain.ResultSet{Columns: []string{"key", "value"}, Rows: []domain.Row{}}
		for i, k := range keys {
			if i == limit {
				rs.Truncated = true
				break
			}
			rs.Rows = append(rs.Rows, domain.Row{"key": k, "value": formatRedis(byKey[k])})
		}
		return rs
	default:
		return &domain.ResultSet{Columns: []string{"value"}, Rows: []domain.Row{{"value": formatRedis(v)}}}
	}
}

func formatRedis(v any) any {
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = formatRedis(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[fmt.Sprint(k)] = formatRedis(e)
		}
		return out
	default:
		return val
	}
}

// splitCommand splits a command line into arguments, honouring single and
// double quotes and backslash escapes inside double quotes.
func splitCommand(s string) ([]string, error) {
	var (
		args  []string
		cur   strings.Builder
		quote rune
		inArg bool
	)
	runes := []rune(strings.TrimSpace(s))
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
				continue
			}
			if c == '\\' && quote == '"' && i+1 < len(runes) {
				i++
				switch runes[i] {
				case 'n':
					cur.WriteRune('\n')
				case 't':
					cur.WriteRune('\t')
				default:
					cur.WriteRune(runes[i])
				}
				continue
			}
			cur.WriteRune(c)
		case c == '"' || c == '\'':
			quote = c
			inArg = true
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(c)
			inArg = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote", quote)
	}
	if inArg {
		args = append(args, cur.String())
	}
	return args, nil
}

// Introspect lists the keyspaces reported by INFO. Redis has no tables or
// columns, so each keyspace is a database without tables.
func (r *redisConnector) Introspect(ctx context.Context) (*domain.SchemaInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	info, err := r.client.Info(ctx, "keyspace").Result()
	if err != nil {
		return nil, fmt.Errorf("info keyspace: %w", err)
	}
	return parseKeyspace(info), nil
}

// parseKeyspace reads "db0:keys=1,expires=0,avg_ttl=0" lines.
func parseKeyspace(info string) *domain.SchemaInfo {
	out := &domain.SchemaInfo{Databases: []domain.DatabaseInfo{}}
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "db") {
			continue
		}
		name, _, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		out.Databases = append(out.Databases, domain.DatabaseInfo{Name: name, Tables: []domain.TableInfo{}})
	}
	return out
}

func (r *redisConnector) Close() error {
	return r.client.Close()
}
