package etl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tumurzakov/myrepetl/pkg/config"
)

func testConfig() *config.Config {
	rule := &config.MappingRule{
		Key:         "source1.users",
		SourceName:  "source1",
		TableName:   "users",
		TargetName:  "dest",
		TargetTable: "users",
		PrimaryKey:  "id",
	}
	rule.Columns.Add("id", config.ColumnSpec{TargetColumn: "id"})
	return &config.Config{
		Sources: map[string]*config.DatabaseConfig{
			"source1": {Host: "h", Port: 3306, User: "u", Database: "d", Charset: "utf8mb4"},
		},
		Targets: map[string]*config.TargetConfig{
			"dest": {DatabaseConfig: config.DatabaseConfig{Host: "h", Port: 3306, User: "u", Database: "d", Charset: "utf8mb4"}, BatchSize: 100},
		},
		Replication: map[string]*config.ReplicationConfig{
			"source1": {ServerID: 100},
		},
		Mapping: map[string]*config.MappingRule{rule.Key: rule},
		BusSize: 100,
		Module:  config.DefaultModule,
	}
}

func TestHealthBeforeStart(t *testing.T) {
	s := NewSupervisor(testConfig(), Options{}, zap.NewNop())

	h := s.Health()
	assert.Equal(t, "healthy", h.Status)
	require.Contains(t, h.Components, "threads")
	require.Contains(t, h.Components, "database_connections")
	require.Contains(t, h.Components, "message_queue")
}

func TestMonitorIntervalDefault(t *testing.T) {
	s := NewSupervisor(testConfig(), Options{}, zap.NewNop())
	assert.Equal(t, 30*time.Second, s.opts.MonitorInterval)

	s = NewSupervisor(testConfig(), Options{MonitorInterval: 5 * time.Second}, zap.NewNop())
	assert.Equal(t, 5*time.Second, s.opts.MonitorInterval)
}

func TestRegistryExposedForEmbedders(t *testing.T) {
	s := NewSupervisor(testConfig(), Options{}, zap.NewNop())
	require.NotNil(t, s.Registry())
	_, ok := s.Registry().Resolve("uppercase")
	assert.True(t, ok)
}
