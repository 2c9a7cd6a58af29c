// Package config loads the node configuration file and validates it against
// an embedded JSON schema before anything touches disk or the network.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Config is the node configuration. Flags override file values in cmd.
type Config struct {
	NodeID      string       `json:"node_id"`
	HostID      int32        `json:"host_id"`
	SiteIndex   int32        `json:"site_index"`
	Partition   int32        `json:"partition"`
	Bind        string       `json:"bind,omitempty"`
	DebugBind   string       `json:"debug_bind,omitempty"`
	ReadLevel   string       `json:"read_level,omitempty"` // fast | safe
	Leader      bool         `json:"leader,omitempty"`
	Peers       []PeerConfig `json:"peers,omitempty"`
	CommandLog  LogConfig    `json:"command_log"`
	OtelEnabled bool         `json:"otel_enabled,omitempty"`
	OtelTarget  string       `json:"otel_endpoint,omitempty"`
}

// PeerConfig names one replica site and where to reach it.
type PeerConfig struct {
	HostID    int32  `json:"host_id"`
	SiteIndex int32  `json:"site_index"`
	Addr      string `json:"addr"`
}

// LogConfig selects and tunes the command-log backend.
type LogConfig struct {
	Backend     string `json:"backend"` // pebble | badger | memory | disabled
	Dir         string `json:"dir,omitempty"`
	Synchronous bool   `json:"synchronous,omitempty"`
}

const schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["node_id", "partition", "command_log"],
  "properties": {
    "node_id": {"type": "string", "minLength": 1},
    "host_id": {"type": "integer", "minimum": 0},
    "site_index": {"type": "integer", "minimum": 0},
    "partition": {"type": "integer", "minimum": 0, "maximum": 16382},
    "bind": {"type": "string"},
    "debug_bind": {"type": "string"},
    "read_level": {"type": "string", "enum": ["fast", "safe"]},
    "leader": {"type": "boolean"},
    "peers": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["host_id", "site_index", "addr"],
        "properties": {
          "host_id": {"type": "integer", "minimum": 0},
          "site_index": {"type": "integer", "minimum": 0},
          "addr": {"type": "string", "minLength": 1}
        }
      }
    },
    "command_log": {
      "type": "object",
      "required": ["backend"],
      "properties": {
        "backend": {"type": "string", "enum": ["pebble", "badger", "memory", "disabled"]},
        "dir": {"type": "string"},
        "synchronous": {"type": "boolean"}
      }
    },
    "otel_enabled": {"type": "boolean"},
    "otel_endpoint": {"type": "string"}
  }
}`

// Load reads, validates, and decodes the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse validates and decodes raw config JSON.
func Parse(data []byte) (*Config, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.ReadLevel == "" {
		cfg.ReadLevel = "safe"
	}
	return &cfg, nil
}
