// Package config loads devstack settings from a YAML file, DEVSTACK_*
// environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "DEVSTACK"

type Config struct {
	DataDir     string `mapstructure:"dataDir" yaml:"dataDir"`
	DownloadDir string `mapstructure:"downloadDir" yaml:"downloadDir"`
	ServerDir   string `mapstructure:"serverDir" yaml:"serverDir"`

	Downloads Downloads `mapstructure:"downloads" yaml:"downloads"`
	Servers   Servers   `mapstructure:"servers" yaml:"servers"`
	Updates   Updates   `mapstructure:"updates" yaml:"updates"`
	Query     Query     `mapstructure:"query" yaml:"query"`
	Log       Log       `mapstructure:"log" yaml:"log"`
	MCP       MCP       `mapstructure:"mcp" yaml:"mcp"`
}

type Downloads struct {
	MaxConcurrent int `mapstructure:"maxConcurrent" yaml:"maxConcurrent" default:"3"`
	// MirrorURL takes precedence over MirrorDir when both are set.
	MirrorURL string `mapstructure:"mirrorURL" yaml:"mirrorURL"`
	MirrorDir string `mapstructure:"mirrorDir" yaml:"mirrorDir"`
}

type Servers struct {
	AutoStart       bool `mapstructure:"autoStart" yaml:"autoStart"`
	AutoAssignPorts bool `mapstructure:"autoAssignPorts" yaml:"autoAssignPorts" default:"true"`
}

type Updates struct {
	// Schedule is a cron spec; empty disables update checks.
	Schedule string `mapstructure:"schedule" yaml:"schedule" default:"@every 6h"`
}

type Query struct {
	RowLimit int `mapstructure:"rowLimit" yaml:"rowLimit" default:"500"`
}

type Log struct {
	Level  string `mapstructure:"level" yaml:"level" default:"info"`
	Format string `mapstructure:"format" yaml:"format" default:"console"`
}

// MCP gates destructive tool calls of the MCP server.
type MCP struct {
	// Approval is ask, auto or deny.
	Approval        string        `mapstructure:"approval" yaml:"approval" default:"ask"`
	ApprovalTimeout time.Duration `mapstructure:"approvalTimeout" yaml:"approvalTimeout" default:"2m"`
}

// keys lists every setting so environment variables work without a file.
var keys = []string{
	"dataDir", "downloadDir", "serverDir",
	"downloads.maxConcurrent", "downloads.mirrorURL", "downloads.mirrorDir",
	"servers.autoStart", "servers.autoAssignPorts",
	"updates.schedule",
	"query.rowLimit",
	"log.level", "log.format",
	"mcp.approval", "mcp.approvalTimeout",
}

// flagKeys maps flag names to setting keys.
var flagKeys = map[string]string{
	"data-dir":        "dataDir",
	"max-concurrent":  "downloads.maxConcurrent",
	"mirror-url":      "downloads.mirrorURL",
	"mirror-dir":      "downloads.mirrorDir",
	"auto-start":      "servers.autoStart",
	"log-level":       "log.level",
	"log-format":      "log.format",
	"query-row-limit": "query.rowLimit",
	"mcp-approval":    "mcp.approval",
}

// RegisterFlags adds the flags Load understands to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (default "+DefaultPath()+")")
	fs.String("data-dir", "", "directory for the instance database and binaries")
	fs.Int("max-concurrent", 3, "maximum concurrent downloads")
	fs.String("mirror-url", "", "HTTP mirror serving engine archives")
	fs.String("mirror-dir", "", "local directory mirroring engine archives")
	fs.Bool("auto-start", false, "restart instances that were running on shutdown")
	fs.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	fs.String("log-format", "console", "log format (console, json)")
	fs.Int("query-row-limit", 500, "maximum rows returned by a read query")
	fs.String("mcp-approval", "ask", "approval policy for destructive MCP tool calls (ask, auto, deny)")
}

// DefaultPath is $XDG_CONFIG_HOME/devstack/config.yaml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "devstack", "config.yaml")
}

// Load reads path (DefaultPath when empty). A missing file is not an error.
// Only flags the user changed override file and environment values.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", k, err)
		}
	}
	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat config %s: %w", path, err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// resolve fills relative-to-data-dir paths.
func (c *Config) resolve() error {
	if c.DataDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return fmt.Errorf("locate data dir: %w", err)
		}
		c.DataDir = filepath.Join(base, "devstack")
	}
	if c.DownloadDir == "" {
		c.DownloadDir = filepath.Join(c.DataDir, "downloads")
	}
	if c.ServerDir == "" {
		c.ServerDir = filepath.Join(c.DataDir, "servers")
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Downloads.MaxConcurrent < 1 {
		return fmt.Errorf("downloads.maxConcurrent must be at least 1, got %d", c.Downloads.MaxConcurrent)
	}
	if c.Query.RowLimit < 1 {
		return fmt.Errorf("query.rowLimit must be at least 1, got %d", c.Query.RowLimit)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	switch c.MCP.Approval {
	case "ask", "auto", "deny":
	default:
		return fmt.Errorf("mcp.approval must be ask, auto or deny, got %q", c.MCP.Approval)
	}
	if c.MCP.ApprovalTimeout <= 0 {
		return fmt.Errorf("mcp.approvalTimeout must be positive, got %s", c.MCP.ApprovalTimeout)
	}
	return nil
}

// DBPath is the SQLite file holding instance records.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "devstack.db")
}
