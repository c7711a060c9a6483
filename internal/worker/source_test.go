package worker

import (
	"testing"

	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tumurzakov/myrepetl/internal/bus"
	"github.com/tumurzakov/myrepetl/internal/metrics"
	"github.com/tumurzakov/myrepetl/internal/model"
	"github.com/tumurzakov/myrepetl/pkg/config"
)

func newTestSource(t *testing.T) (*Source, *bus.Bus) {
	t.Helper()
	rule := usersRule(t, nil)
	pipeline := &config.Config{Mapping: map[string]*config.MappingRule{rule.Key: rule}}
	b := bus.New(100, zap.NewNop())
	w := NewSource("source1", config.DatabaseConfig{Host: "h", Port: 3306, User: "u", Charset: "utf8mb4"},
		&config.ReplicationConfig{ServerID: 100}, pipeline, b, nil, nil,
		metrics.New(), zap.NewNop(), nil)
	return w, b
}

func rowsEvent(cols []string, rows ...[]interface{}) *replication.RowsEvent {
	names := make([][]byte, len(cols))
	for i, c := range cols {
		names[i] = []byte(c)
	}
	return &replication.RowsEvent{
		Table: &replication.TableMapEvent{
			Schema:     []byte("sourcedb"),
			Table:      []byte("users"),
			ColumnName: names,
		},
		ColumnCount: uint64(len(cols)),
		Rows:        rows,
	}
}

func TestConvertInsert(t *testing.T) {
	w, _ := newTestSource(t)
	header := &replication.EventHeader{
		EventType: replication.WRITE_ROWS_EVENTv2,
		LogPos:    4242,
		ServerID:  7,
		Timestamp: 1700000000,
	}
	e := rowsEvent([]string{"id", "name"}, []interface{}{int32(1), []byte("John")})

	events := w.convert(header, e, "sourcedb", "users", []string{"id", "name"})
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, model.KindInsert, ev.Kind)
	assert.Equal(t, "source1", ev.SourceName)
	assert.Equal(t, "sourcedb", ev.Schema)
	assert.Equal(t, "users", ev.Table)
	assert.Equal(t, uint32(4242), ev.LogPos)
	assert.Equal(t, uint32(7), ev.ServerID)
	assert.Len(t, ev.EventID, 8)
	// Byte slices become strings on the way onto the bus.
	assert.Equal(t, map[string]interface{}{"id": int32(1), "name": "John"}, ev.Values)
}

func TestConvertUpdatePairsRows(t *testing.T) {
	w, _ := newTestSource(t)
	header := &replication.EventHeader{EventType: replication.UPDATE_ROWS_EVENTv2}
	e := rowsEvent([]string{"id", "name"},
		[]interface{}{int32(1), []byte("old")},
		[]interface{}{int32(1), []byte("new")},
	)

	events := w.convert(header, e, "sourcedb", "users", []string{"id", "name"})
	require.Len(t, events, 1)
	assert.Equal(t, model.KindUpdate, events[0].Kind)
	assert.Equal(t, "old", events[0].BeforeValues["name"])
	assert.Equal(t, "new", events[0].AfterValues["name"])
}

func TestConvertDelete(t *testing.T) {
	w, _ := newTestSource(t)
	header := &replication.EventHeader{EventType: replication.DELETE_ROWS_EVENTv1}
	e := rowsEvent([]string{"id"}, []interface{}{int32(3)})

	events := w.convert(header, e, "sourcedb", "users", []string{"id"})
	require.Len(t, events, 1)
	assert.Equal(t, model.KindDelete, events[0].Kind)
	assert.Equal(t, int32(3), events[0].Values["id"])
}

func TestHandleRowsFansOutToMatchingTargets(t *testing.T) {
	w, b := newTestSource(t)
	sub := b.Subscribe("dest")

	header := &replication.EventHeader{EventType: replication.WRITE_ROWS_EVENTv2}
	e := rowsEvent([]string{"id", "name", "email"},
		[]interface{}{int32(1), []byte("John"), []byte("J@X")})
	w.handleRows(header, e)

	msg, ok := sub.Receive(0)
	require.True(t, ok)
	assert.Equal(t, model.MessageRow, msg.Type)
	assert.Equal(t, "dest", msg.TargetName)
	assert.Equal(t, "source1", msg.Source)
}

func TestHandleRowsIgnoresUnmappedTables(t *testing.T) {
	w, b := newTestSource(t)
	sub := b.Subscribe("dest")

	header := &replication.EventHeader{EventType: replication.WRITE_ROWS_EVENTv2}
	e := rowsEvent([]string{"id"}, []interface{}{int32(1)})
	e.Table.Table = []byte("not_mapped")
	w.handleRows(header, e)

	_, ok := sub.Receive(0)
	assert.False(t, ok)
}

func TestIsDDL(t *testing.T) {
	assert.True(t, isDDL("ALTER TABLE users ADD COLUMN x INT"))
	assert.True(t, isDDL("  create table t (id int)"))
	assert.True(t, isDDL("TRUNCATE t"))
	assert.False(t, isDDL("BEGIN"))
	assert.False(t, isDDL("INSERT INTO t VALUES (1)"))
}

func TestNamedRowFallsBackToPositionalNames(t *testing.T) {
	row := namedRow([]string{"id"}, []interface{}{int32(1), []byte("extra")})
	assert.Equal(t, int32(1), row["id"])
	assert.Equal(t, "extra", row["col_2"])
}
