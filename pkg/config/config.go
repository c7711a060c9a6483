// Package config loads and validates the JSON pipeline document: named
// sources and targets, per-source replication settings, and the mapping
// rules binding source tables to target tables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	DefaultPort          = 3306
	DefaultCharset       = "utf8mb4"
	DefaultServerID      = 100
	DefaultLogPos        = 4
	DefaultBatchSize     = 100
	DefaultFlushInterval = time.Second
	DefaultBusSize       = 10000
	DefaultMetricsPort   = 8080
	DefaultModule        = "transform"
)

type DatabaseConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	User       string `json:"user"`
	Password   string `json:"password"`
	Database   string `json:"database"`
	Charset    string `json:"charset"`
	Autocommit *bool  `json:"autocommit"`
}

func (c *DatabaseConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AutocommitOn defaults to true: the write path relies on per-statement
// commits.
func (c *DatabaseConfig) AutocommitOn() bool {
	return c.Autocommit == nil || *c.Autocommit
}

func (c *DatabaseConfig) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Charset == "" {
		c.Charset = DefaultCharset
	}
}

func (c *DatabaseConfig) validate(kind, name string) error {
	if c.Host == "" {
		return fmt.Errorf("%s %q: host is required", kind, name)
	}
	if c.User == "" {
		return fmt.Errorf("%s %q: user is required", kind, name)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%s %q: port must be between 1 and 65535", kind, name)
	}
	return nil
}

type ReplicationConfig struct {
	ServerID     uint32 `json:"server_id"`
	LogFile      string `json:"log_file"`
	LogPos       uint32 `json:"log_pos"`
	ResumeStream *bool  `json:"resume_stream"`
	Blocking     *bool  `json:"blocking"`
}

func (r *ReplicationConfig) Resume() bool {
	return r.ResumeStream == nil || *r.ResumeStream
}

func (r *ReplicationConfig) IsBlocking() bool {
	return r.Blocking == nil || *r.Blocking
}

type TargetConfig struct {
	DatabaseConfig
	BatchSize          int     `json:"batch_size"`
	BatchFlushInterval float64 `json:"batch_flush_interval"` // seconds
}

func (t *TargetConfig) FlushInterval() time.Duration {
	if t.BatchFlushInterval <= 0 {
		return DefaultFlushInterval
	}
	return time.Duration(t.BatchFlushInterval * float64(time.Second))
}

type MonitoringConfig struct {
	Enabled     bool `json:"enabled"`
	MetricsPort int  `json:"metrics_port"`
}

type Config struct {
	Sources     map[string]*DatabaseConfig    `json:"sources"`
	Targets     map[string]*TargetConfig      `json:"targets"`
	Replication map[string]*ReplicationConfig `json:"replication"`
	Mapping     map[string]*MappingRule       `json:"mapping"`
	Monitoring  *MonitoringConfig             `json:"monitoring"`
	MetricsPort int                           `json:"metrics_port"`
	BusSize     int                           `json:"bus_size"`
	Module      string                        `json:"transform_module"`

	// Dir is the directory the config file was loaded from; the transform
	// module is looked up next to it.
	Dir string `json:"-"`
}

// Load reads, parses, and validates a configuration file. Any error returned
// here is a configuration error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	cfg.Dir = filepath.Dir(abs)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one target is required")
	}
	if len(c.Mapping) == 0 {
		return fmt.Errorf("at least one mapping rule is required")
	}

	for name, src := range c.Sources {
		src.applyDefaults()
		if err := src.validate("source", name); err != nil {
			return err
		}
	}
	for name, tgt := range c.Targets {
		tgt.applyDefaults()
		if err := tgt.validate("target", name); err != nil {
			return err
		}
		if tgt.BatchSize == 0 {
			tgt.BatchSize = DefaultBatchSize
		}
		if tgt.BatchSize < 1 {
			return fmt.Errorf("target %q: batch_size must be positive", name)
		}
	}

	if c.Replication == nil {
		c.Replication = make(map[string]*ReplicationConfig)
	}
	for i, name := range c.sourceNames() {
		repl := c.Replication[name]
		if repl == nil {
			repl = &ReplicationConfig{}
			c.Replication[name] = repl
		}
		if repl.ServerID == 0 {
			repl.ServerID = DefaultServerID + uint32(i)
		}
		if repl.LogPos == 0 {
			repl.LogPos = DefaultLogPos
		}
	}
	for name := range c.Replication {
		if _, ok := c.Sources[name]; !ok {
			return fmt.Errorf("replication entry %q references unknown source", name)
		}
	}

	for key, rule := range c.Mapping {
		if err := rule.resolve(key, c); err != nil {
			return err
		}
	}

	if c.BusSize == 0 {
		c.BusSize = DefaultBusSize
	}
	if c.Module == "" {
		c.Module = DefaultModule
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = DefaultMetricsPort
	}
	return nil
}

func (c *Config) sourceNames() []string {
	names := make([]string, 0, len(c.Sources))
	for name := range c.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MappingsForSource returns the rules reading from the named source, sorted
// by key for deterministic startup.
func (c *Config) MappingsForSource(source string) []*MappingRule {
	var rules []*MappingRule
	for _, rule := range c.Mapping {
		if rule.SourceName == source {
			rules = append(rules, rule)
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Key < rules[j].Key })
	return rules
}

// MappingsForTarget returns the rules writing to the named target, sorted by
// key.
func (c *Config) MappingsForTarget(target string) []*MappingRule {
	var rules []*MappingRule
	for _, rule := range c.Mapping {
		if rule.TargetName == target {
			rules = append(rules, rule)
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Key < rules[j].Key })
	return rules
}

// MappingsFor returns every rule matching a row from (source, schema, table).
// Rules name their source table either as "table" or "schema.table".
func (c *Config) MappingsFor(source, schema, table string) []*MappingRule {
	var rules []*MappingRule
	for _, rule := range c.Mapping {
		if rule.SourceName != source {
			continue
		}
		if rule.TableName == table || rule.TableName == schema+"."+table {
			rules = append(rules, rule)
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Key < rules[j].Key })
	return rules
}

// TransformNames collects every transform referenced by the mapping, for
// eager resolution at startup.
func (c *Config) TransformNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, rule := range c.Mapping {
		for _, entry := range rule.Columns.Entries() {
			if t := entry.Spec.Transform; t != "" && !seen[t] {
				seen[t] = true
				names = append(names, t)
			}
		}
	}
	sort.Strings(names)
	return names
}
