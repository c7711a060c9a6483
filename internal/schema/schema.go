// Package schema caches source table metadata from information_schema. The
// binlog carries positional row images; when the table map event has no
// column metadata the source worker needs the ordered column names to build
// named rows.
package schema

import (
	"fmt"
	"sync"

	"github.com/tumurzakov/myrepetl/internal/pool"
)

type tableKey struct {
	connection string
	schema     string
	table      string
}

// Info holds the ordered columns and primary key of one table.
type Info struct {
	Columns     []string
	ColIndex    map[string]int
	PrimaryKeys []string
}

type Cache struct {
	pool *pool.Pool

	mu     sync.Mutex
	tables map[tableKey]*Info
}

func NewCache(p *pool.Pool) *Cache {
	return &Cache{
		pool:   p,
		tables: make(map[tableKey]*Info),
	}
}

// Get returns the metadata for schema.table as seen through the named
// connection, loading and caching it on first use.
func (c *Cache) Get(connection, schema, table string) (*Info, error) {
	key := tableKey{connection: connection, schema: schema, table: table}
	c.mu.Lock()
	info := c.tables[key]
	c.mu.Unlock()
	if info != nil {
		return info, nil
	}

	info, err := c.load(connection, schema, table)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.tables[key] = info
	c.mu.Unlock()
	return info, nil
}

// Invalidate drops a cached entry, e.g. after a DDL event on the table.
func (c *Cache) Invalidate(connection, schema, table string) {
	c.mu.Lock()
	delete(c.tables, tableKey{connection: connection, schema: schema, table: table})
	c.mu.Unlock()
}

// InvalidateSchema drops every cached table of one schema; DDL statements
// only identify the schema reliably.
func (c *Cache) InvalidateSchema(connection, schema string) {
	c.mu.Lock()
	for key := range c.tables {
		if key.connection == connection && key.schema == schema {
			delete(c.tables, key)
		}
	}
	c.mu.Unlock()
}

func (c *Cache) load(connection, schema, table string) (*Info, error) {
	rows, err := c.pool.QueryRows(connection, `
		SELECT column_name, column_key
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("load schema for %s.%s: %w", schema, table, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	info := &Info{ColIndex: make(map[string]int)}
	for rows.Next() {
		var name, key string
		if err := rows.Scan(&name, &key); err != nil {
			return nil, fmt.Errorf("load schema for %s.%s: %w", schema, table, err)
		}
		info.ColIndex[name] = len(info.Columns)
		info.Columns = append(info.Columns, name)
		if key == "PRI" {
			info.PrimaryKeys = append(info.PrimaryKeys, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load schema for %s.%s: %w", schema, table, err)
	}
	if len(info.Columns) == 0 {
		return nil, fmt.Errorf("table %s.%s has no columns or does not exist", schema, table)
	}
	return info, nil
}
