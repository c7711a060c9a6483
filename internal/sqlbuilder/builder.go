// Package sqlbuilder produces the parameterised statements the target
// workers execute: single and multi-row upserts, deletes by primary key, and
// the emptiness probe the init load uses. Identifiers are backtick-quoted and
// values always travel as placeholders.
package sqlbuilder

import (
	"fmt"
	"strings"
)

// EscapeName backtick-quotes an identifier, doubling embedded backticks.
func EscapeName(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// BuildUpsert builds INSERT ... ON DUPLICATE KEY UPDATE for a single row.
// cols fixes the column order; columns absent from row contribute NULL.
func BuildUpsert(table string, cols []string, row map[string]interface{}, primaryKey string) (string, []interface{}, error) {
	if len(cols) == 0 {
		return "", nil, fmt.Errorf("upsert into %s: no columns", table)
	}
	sql, _, err := BuildBatchUpsert(table, cols, []map[string]interface{}{row}, primaryKey)
	if err != nil {
		return "", nil, err
	}
	args := make([]interface{}, 0, len(cols))
	for _, col := range cols {
		args = append(args, row[col])
	}
	return sql, args, nil
}

// BuildBatchUpsert builds a single multi-row VALUES upsert. The update clause
// covers every non-primary-key column; a mapping producing only the primary
// key degenerates to pk=VALUES(pk).
func BuildBatchUpsert(table string, cols []string, rows []map[string]interface{}, primaryKey string) (string, []interface{}, error) {
	if len(cols) == 0 {
		return "", nil, fmt.Errorf("batch upsert into %s: no columns", table)
	}
	if len(rows) == 0 {
		return "", nil, fmt.Errorf("batch upsert into %s: no rows", table)
	}

	escaped := make([]string, len(cols))
	for i, col := range cols {
		escaped[i] = EscapeName(col)
	}
	rowTokens := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	values := make([]string, len(rows))
	args := make([]interface{}, 0, len(rows)*len(cols))
	for i, row := range rows {
		values[i] = rowTokens
		for _, col := range cols {
			args = append(args, row[col])
		}
	}

	var updates []string
	for i, col := range cols {
		if col == primaryKey {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s=VALUES(%s)", escaped[i], escaped[i]))
	}
	if len(updates) == 0 {
		pk := EscapeName(primaryKey)
		updates = append(updates, fmt.Sprintf("%s=VALUES(%s)", pk, pk))
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s ON DUPLICATE KEY UPDATE %s",
		EscapeName(table),
		strings.Join(escaped, ", "),
		strings.Join(values, ", "),
		strings.Join(updates, ", "),
	)
	return sql, args, nil
}

// BuildDelete builds a delete by primary key.
func BuildDelete(table, primaryKey string, value interface{}) (string, []interface{}) {
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", EscapeName(table), EscapeName(primaryKey))
	return sql, []interface{}{value}
}

// BuildSelectOne probes whether a table holds any rows.
func BuildSelectOne(table string) string {
	return fmt.Sprintf("SELECT 1 FROM %s LIMIT 1", EscapeName(table))
}
