package domain

import (
	"fmt"
	"time"
)

// ExecutionState is the state of one query tab.
type ExecutionState string

const (
	ExecIdle      ExecutionState = "idle"
	ExecExecuting ExecutionState = "executing"
	ExecSucceeded ExecutionState = "succeeded"
	ExecFailed    ExecutionState = "failed"
)

// Row maps a column name to its value.
type Row map[string]any

// ResultSet is the outcome of a successful query. Columns keeps the order
// in which the engine returned them.
type ResultSet struct {
	Columns      []string `json:"columns"`
	Rows         []Row    `json:"rows"`
	IsWrite      bool     `json:"isWrite,omitempty"`
	AffectedRows int64    `json:"affectedRows,omitempty"`
	Truncated    bool     `json:"truncated,omitempty"`
}

// QueryTab is one query buffer and its last result.
// Result is set only when State is succeeded, Error only when failed.
type QueryTab struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	QueryText     string         `json:"queryText"`
	State         ExecutionState `json:"state"`
	Result        *ResultSet     `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	ExecutedQuery string         `json:"executedQuery,omitempty"`
	Duration      time.Duration  `json:"duration,omitempty"`
}

// ConnectionInfo is the immutable description of one session's connection.
type ConnectionInfo struct {
	InstanceID string     `json:"instanceId"`
	Engine     EngineKind `json:"engine"`
	Host       string     `json:"host"`
	Port       uint16     `json:"port"`
	Database   string     `json:"database"`
	Username   string     `json:"username"`
	Password   string     `json:"password,omitempty"`
}

// Redacted returns a copy with the credential masked.
func (c ConnectionInfo) Redacted() ConnectionInfo {
	if c.Password != "" {
		c.Password = "***"
	}
	return c
}

// Key identifies a connection for pooling. The credential is part of it
// so a changed password never reuses a stale connector.
func (c ConnectionInfo) Key() string {
	return fmt.Sprintf("%s|%s|%s:%d|%s|%s|%s", c.InstanceID, c.Engine, c.Host, c.Port, c.Database, c.Username, c.Password)
}

// SchemaInfo is the read-only database → table → column tree of a connection.
type SchemaInfo struct {
	Databases []DatabaseInfo `json:"databases"`
}

// DatabaseInfo describes one database (or keyspace).
type DatabaseInfo struct {
	Name   string      `json:"name"`
	Tables []TableInfo `json:"tables"`
}

// TableInfo describes a table or collection.
type TableInfo struct {
	Name    string       `json:"name"`
	Type    string       `json:"type"`
	Columns []ColumnInfo `json:"columns"`
}

// ColumnInfo describes a column or field.
type ColumnInfo struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	IsPrimary bool   `json:"isPrimary"`
}
