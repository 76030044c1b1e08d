package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Node holds the worker node configuration.
type Node struct {
	Node struct {
		ID           string   `yaml:"id"`           // Unique node identifier
		Name         string   `yaml:"name"`         // Display name (default: id)
		Token        string   `yaml:"token"`        // Issued credential or Base64 ED25519 signature of id
		Capabilities []string `yaml:"capabilities"` // Advertised capabilities (default: [prompt])
	} `yaml:"node"`

	Server struct {
		URL string `yaml:"url"` // WebSocket URL (e.g., ws://localhost:8080/ws)
	} `yaml:"server"`

	Executor struct {
		Program            string   `yaml:"program"`             // Agent CLI (default: claude)
		Args               []string `yaml:"args"`                // Flags placed before model/session flags
		Model              string   `yaml:"model"`               // Default model when the task names none
		SessionPersistence *bool    `yaml:"session_persistence"` // Pass --session-id/--resume (default: true)
		ShellEnabled       bool     `yaml:"shell_enabled"`       // Accept shell tasks (default: false)
		WorkDir            string   `yaml:"work_dir"`            // Fallback cwd (default: home directory)
		MaxResultChars     int      `yaml:"max_result_chars"`    // Result truncation (default: 100000)
	} `yaml:"executor"`

	Queue struct {
		Size int `yaml:"size"` // Backlog capacity (default: 10)
	} `yaml:"queue"`

	Heartbeat struct {
		Interval time.Duration `yaml:"interval"` // default: 10s
	} `yaml:"heartbeat"`

	Database struct {
		Path string `yaml:"path"` // SQLite path (default: ./data/node.db)
	} `yaml:"database"`

	Dashboard struct {
		Enabled bool   `yaml:"enabled"` // Whether to enable the dashboard (default: false)
		Address string `yaml:"address"` // Dashboard server address (default: 127.0.0.1:8090)
	} `yaml:"dashboard"`

	Log struct {
		Level    string `yaml:"level"`    // default: info
		Encoding string `yaml:"encoding"` // console or json (default: console)
	} `yaml:"log"`
}

// LoadNode reads and validates the configuration file at path.
func LoadNode(path string) (*Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return ParseNode(data)
}

// ParseNode decodes YAML, applies defaults and validates required fields.
func ParseNode(data []byte) (*Node, error) {
	var cfg Node
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// Validate required fields
	if cfg.Node.ID == "" {
		return nil, fmt.Errorf("node.id is required")
	}
	if cfg.Node.Token == "" {
		return nil, fmt.Errorf("node.token is required")
	}
	if cfg.Server.URL == "" {
		return nil, fmt.Errorf("server.url is required")
	}
	if cfg.Queue.Size < 0 {
		return nil, fmt.Errorf("queue.size must not be negative")
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// SessionsEnabled reports whether session flags are passed to the program.
func (c *Node) SessionsEnabled() bool {
	return c.Executor.SessionPersistence == nil || *c.Executor.SessionPersistence
}

func (c *Node) applyDefaults() {
	if c.Node.Name == "" {
		c.Node.Name = c.Node.ID
	}
	if len(c.Node.Capabilities) == 0 {
		c.Node.Capabilities = []string{"prompt"}
		if c.Executor.ShellEnabled {
			c.Node.Capabilities = append(c.Node.Capabilities, "shell")
		}
	}
	if c.Executor.Program == "" {
		c.Executor.Program = "claude"
	}
	if c.Queue.Size == 0 {
		c.Queue.Size = 10
	}
	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = 10 * time.Second
	}
	if c.Database.Path == "" {
		c.Database.Path = "./data/node.db"
	}
	if c.Dashboard.Address == "" {
		c.Dashboard.Address = "127.0.0.1:8090"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Encoding == "" {
		c.Log.Encoding = "console"
	}
}
