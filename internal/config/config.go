// Package config holds kgraphd process configuration: ports, seed
// documents, caps, and the renderer command. Values come from an
// optional YAML file with KGRAPH_* environment overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	HTTPPort int `yaml:"http_port"`
	RPCPort  int `yaml:"rpc_port"`

	SeedKBPath    string `yaml:"seed_kb_path"`
	SeedRulesPath string `yaml:"seed_rules_path"`
	ShapesPath    string `yaml:"shapes_path"`

	AuditDBPath string `yaml:"audit_db_path"`

	// RendererCommand is the external SVG renderer invocation. The
	// renderer receives subgraph JSON on stdin and writes SVG to stdout.
	RendererCommand []string `yaml:"renderer_command"`

	LogLevel string `yaml:"log_level"`

	// WatchReload enables fsnotify hot reload of the rule pack and
	// shape catalog files.
	WatchReload bool `yaml:"watch_reload"`

	Caps CapsConfig `yaml:"caps"`
}

// CapsConfig bounds the reasoning state and request fan-out.
type CapsConfig struct {
	MaxFacts         int `yaml:"max_facts"`
	MaxQueryResults  int `yaml:"max_query_results"`
	MaxRadius        int `yaml:"max_radius"`
	MaxSubgraphNodes int `yaml:"max_subgraph_nodes"`
	MaxRulePackBytes int `yaml:"max_rule_pack_bytes"`
	InboxDepth       int `yaml:"inbox_depth"`
}

// Default returns production defaults.
func Default() *Config {
	return &Config{
		HTTPPort: 7401,
		RPCPort:  7402,
		LogLevel: "info",
		Caps: CapsConfig{
			MaxFacts:         500000,
			MaxQueryResults:  1000,
			MaxRadius:        6,
			MaxSubgraphNodes: 500,
			MaxRulePackBytes: 1 << 20,
			InboxDepth:       128,
		},
	}
}

// Load reads configuration: defaults first, then the YAML file when
// path is non-empty, then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envInt("KGRAPH_HTTP_PORT", &c.HTTPPort)
	envInt("KGRAPH_RPC_PORT", &c.RPCPort)
	envStr("KGRAPH_SEED_KB_PATH", &c.SeedKBPath)
	envStr("KGRAPH_SEED_RULES_PATH", &c.SeedRulesPath)
	envStr("KGRAPH_SHAPES_PATH", &c.ShapesPath)
	envStr("KGRAPH_AUDIT_DB_PATH", &c.AuditDBPath)
	envStr("KGRAPH_LOG_LEVEL", &c.LogLevel)
	envInt("KGRAPH_MAX_FACTS", &c.Caps.MaxFacts)
	envInt("KGRAPH_MAX_QUERY_RESULTS", &c.Caps.MaxQueryResults)
	envInt("KGRAPH_MAX_RADIUS", &c.Caps.MaxRadius)
	envInt("KGRAPH_MAX_SUBGRAPH_NODES", &c.Caps.MaxSubgraphNodes)
	envInt("KGRAPH_MAX_RULE_PACK_BYTES", &c.Caps.MaxRulePackBytes)
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port %d out of range", c.HTTPPort)
	}
	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		return fmt.Errorf("rpc_port %d out of range", c.RPCPort)
	}
	if c.HTTPPort == c.RPCPort {
		return fmt.Errorf("http_port and rpc_port must differ")
	}
	if c.Caps.MaxFacts < 0 || c.Caps.MaxQueryResults < 0 || c.Caps.MaxRadius < 0 ||
		c.Caps.MaxSubgraphNodes < 0 || c.Caps.MaxRulePackBytes < 0 {
		return fmt.Errorf("caps must be non-negative")
	}
	if c.Caps.InboxDepth <= 0 {
		c.Caps.InboxDepth = 128
	}
	return nil
}

func envStr(key string, into *string) {
	if v, ok := os.LookupEnv(key); ok {
		*into = v
	}
}

func envInt(key string, into *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*into = n
		}
	}
}
