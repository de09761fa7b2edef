package domain

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
)

// EngineKind is the type of database engine an instance runs.
type EngineKind string

const (
	EngineMySQL      EngineKind = "mysql"
	EnginePostgreSQL EngineKind = "postgresql"
	EngineMongoDB    EngineKind = "mongodb"
	EngineRedis      EngineKind = "redis"
	EngineMariaDB    EngineKind = "mariadb"
)

// Engine is the catalog entry for one engine kind.
type Engine struct {
	Kind             EngineKind `json:"kind"`
	DisplayName      string     `json:"displayName"`
	Description      string     `json:"description"`
	DefaultPort      uint16     `json:"defaultPort"`
	Versions         []string   `json:"versions"` // newest first
	DefaultUser      string     `json:"defaultUser"`
	DefaultDatabases []string   `json:"defaultDatabases"`
	// Viewer is true for engines the original console offered a schema browser for.
	Viewer bool `json:"viewer"`
}

var catalog = []Engine{
	{
		Kind:             EngineMySQL,
		DisplayName:      "MySQL",
		Description:      "Popular open-source relational database",
		DefaultPort:      3306,
		Versions:         []string{"8.0.34", "8.0.33", "5.7.42", "5.7.41"},
		DefaultUser:      "root",
		DefaultDatabases: []string{"information_schema", "mysql", "performance_schema", "sys"},
		Viewer:           true,
	},
	{
		Kind:             EnginePostgreSQL,
		DisplayName:      "PostgreSQL",
		Description:      "Advanced open-source relational database",
		DefaultPort:      5432,
		Versions:         []string{"15.3", "15.2", "14.8", "13.11"},
		DefaultUser:      "postgres",
		DefaultDatabases: []string{"postgres", "template0", "template1"},
		Viewer:           true,
	},
	{
		Kind:        EngineMongoDB,
		DisplayName: "MongoDB",
		Description: "Popular NoSQL document database",
		DefaultPort: 27017,
		Versions:    []string{"7.0.0", "6.0.6", "5.0.18", "4.4.22"},
	},
	{
		Kind:        EngineRedis,
		DisplayName: "Redis",
		Description: "In-memory data structure store",
		DefaultPort: 6379,
		Versions:    []string{"7.0.11", "6.2.12", "6.0.19", "5.0.14"},
	},
	{
		Kind:             EngineMariaDB,
		DisplayName:      "MariaDB",
		Description:      "Open-source relational database",
		DefaultPort:      3306,
		Versions:         []string{"10.11.3", "10.6.13", "10.5.20", "10.4.29"},
		DefaultUser:      "root",
		DefaultDatabases: []string{"information_schema", "mysql", "performance_schema", "sys"},
		Viewer:           true,
	},
}

// Engines returns a copy of the engine catalog.
func Engines() []Engine {
	out := make([]Engine, len(catalog))
	for i, e := range catalog {
		out[i] = e
		out[i].Versions = append([]string(nil), e.Versions...)
		out[i].DefaultDatabases = append([]string(nil), e.DefaultDatabases...)
	}
	return out
}

// LookupEngine returns the catalog entry for kind.
func LookupEngine(kind EngineKind) (Engine, error) {
	for _, e := range Engines() {
		if e.Kind == kind {
			return e, nil
		}
	}
	return Engine{}, fmt.Errorf("%w: %q", ErrUnknownEngine, kind)
}

// SortVersions orders versions newest first and drops duplicates.
// Strings that are not semantic versions sort after the ones that are.
func SortVersions(versions []string) []string {
	seen := make(map[string]bool, len(versions))
	out := make([]string, 0, len(versions))
	for _, v := range versions {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool {
		vi, erri := semver.NewVersion(out[i])
		vj, errj := semver.NewVersion(out[j])
		switch {
		case erri == nil && errj == nil:
			return vi.GreaterThan(vj)
		case erri == nil:
			return true
		case errj == nil:
			return false
		default:
			return out[i] > out[j]
		}
	})
	return out
}

// MergeVersions adds extra to versions, keeping newest-first order.
func MergeVersions(versions []string, extra ...string) []string {
	return SortVersions(append(append([]string(nil), versions...), extra...))
}
