package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `{
	"sources": {
		"source1": {"host": "s1.db", "user": "repl", "password": "pw", "database": "app"}
	},
	"targets": {
		"dest": {"host": "d1.db", "user": "writer", "password": "pw", "database": "mirror",
			"batch_size": 50, "batch_flush_interval": 0.5}
	},
	"replication": {
		"source1": {"server_id": 4242, "log_file": "mysql-bin.000007", "log_pos": 120}
	},
	"mapping": {
		"source1.users": {
			"target": "dest.users",
			"primary_key": "id",
			"column_mapping": {
				"id": "id",
				"name": {"column": "name", "transform": "uppercase"},
				"email": {"column": "email", "transform": "lowercase"},
				"origin": {"column": "origin", "value": "replica"}
			},
			"filter": {"status": {"eq": "active"}},
			"init_query": "SELECT * FROM users"
		}
	},
	"monitoring": {"enabled": true, "metrics_port": 9100}
}`

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	src := cfg.Sources["source1"]
	require.NotNil(t, src)
	assert.Equal(t, DefaultPort, src.Port)
	assert.Equal(t, DefaultCharset, src.Charset)
	assert.True(t, src.AutocommitOn())

	tgt := cfg.Targets["dest"]
	require.NotNil(t, tgt)
	assert.Equal(t, 50, tgt.BatchSize)
	assert.Equal(t, 500*time.Millisecond, tgt.FlushInterval())

	repl := cfg.Replication["source1"]
	require.NotNil(t, repl)
	assert.Equal(t, uint32(4242), repl.ServerID)
	assert.Equal(t, "mysql-bin.000007", repl.LogFile)
	assert.True(t, repl.Resume())
	assert.True(t, repl.IsBlocking())

	assert.Equal(t, DefaultBusSize, cfg.BusSize)
	assert.Equal(t, DefaultModule, cfg.Module)
	assert.True(t, cfg.Monitoring.Enabled)
	assert.Equal(t, 9100, cfg.Monitoring.MetricsPort)
}

func TestMappingResolution(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	rule := cfg.Mapping["source1.users"]
	require.NotNil(t, rule)
	assert.Equal(t, "source1", rule.SourceName)
	assert.Equal(t, "users", rule.TableName)
	assert.Equal(t, "dest", rule.TargetName)
	assert.Equal(t, "users", rule.TargetTable)
	require.NotNil(t, rule.Predicate)

	// Column order follows the document.
	assert.Equal(t, []string{"id", "name", "email", "origin"}, rule.TargetColumns())

	entries := rule.Columns.Entries()
	assert.Equal(t, "uppercase", entries[1].Spec.Transform)
	assert.True(t, entries[3].Spec.HasValue)
	assert.Equal(t, "replica", entries[3].Spec.Value)
}

func TestMappingLookups(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Len(t, cfg.MappingsForSource("source1"), 1)
	assert.Empty(t, cfg.MappingsForSource("other"))
	assert.Len(t, cfg.MappingsForTarget("dest"), 1)

	assert.Len(t, cfg.MappingsFor("source1", "app", "users"), 1)
	assert.Empty(t, cfg.MappingsFor("source1", "app", "orders"))
	assert.Empty(t, cfg.MappingsFor("other", "app", "users"))
}

func TestSourceTableOverride(t *testing.T) {
	doc := `{
		"sources": {"source1": {"host": "h", "user": "u", "password": "p", "database": "d"}},
		"targets": {"dest": {"host": "h", "user": "u", "password": "p", "database": "d"}},
		"mapping": {
			"legacy_key": {
				"source_table": "source1.app.users",
				"target": "dest.users",
				"primary_key": "id",
				"column_mapping": {"id": "id"}
			}
		}
	}`
	cfg, err := Load(writeConfig(t, doc))
	require.NoError(t, err)

	rule := cfg.Mapping["legacy_key"]
	assert.Equal(t, "source1", rule.SourceName)
	assert.Equal(t, "app.users", rule.TableName)
	// Schema-qualified source tables match on (schema, table).
	assert.Len(t, cfg.MappingsFor("source1", "app", "users"), 1)
}

func TestTransformNames(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, []string{"lowercase", "uppercase"}, cfg.TransformNames())
}

func TestReplicationDefaults(t *testing.T) {
	doc := `{
		"sources": {"source1": {"host": "h", "user": "u", "password": "p", "database": "d"}},
		"targets": {"dest": {"host": "h", "user": "u", "password": "p", "database": "d"}},
		"mapping": {"source1.t": {"target": "dest.t", "primary_key": "id",
			"column_mapping": {"id": "id"}}}
	}`
	cfg, err := Load(writeConfig(t, doc))
	require.NoError(t, err)

	repl := cfg.Replication["source1"]
	require.NotNil(t, repl)
	assert.Equal(t, uint32(DefaultServerID), repl.ServerID)
	assert.Equal(t, uint32(DefaultLogPos), repl.LogPos)
}

func TestValidationErrors(t *testing.T) {
	base := func(mapping string) string {
		return `{
			"sources": {"source1": {"host": "h", "user": "u", "password": "p", "database": "d"}},
			"targets": {"dest": {"host": "h", "user": "u", "password": "p", "database": "d"}},
			"mapping": ` + mapping + `}`
	}

	tests := []struct {
		name string
		doc  string
	}{
		{"empty column mapping", base(`{"source1.t": {"target": "dest.t", "primary_key": "id", "column_mapping": {}}}`)},
		{"unknown target", base(`{"source1.t": {"target": "ghost.t", "primary_key": "id", "column_mapping": {"id": "id"}}}`)},
		{"unknown source", base(`{"ghost.t": {"target": "dest.t", "primary_key": "id", "column_mapping": {"id": "id"}}}`)},
		{"missing primary key", base(`{"source1.t": {"target": "dest.t", "column_mapping": {"id": "id"}}}`)},
		{"pk not produced", base(`{"source1.t": {"target": "dest.t", "primary_key": "id", "column_mapping": {"name": "name"}}}`)},
		{"value and transform", base(`{"source1.t": {"target": "dest.t", "primary_key": "id",
			"column_mapping": {"id": {"column": "id", "value": 1, "transform": "uppercase"}}}}`)},
		{"bad filter op", base(`{"source1.t": {"target": "dest.t", "primary_key": "id",
			"column_mapping": {"id": "id"}, "filter": {"id": {"between": 1}}}}`)},
		{"no sources", `{"sources": {}, "targets": {"dest": {"host": "h", "user": "u", "password": "p", "database": "d"}}, "mapping": {}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
