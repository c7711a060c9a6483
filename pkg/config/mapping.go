package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tumurzakov/myrepetl/internal/filter"
)

// MappingRule binds one source table to one target table. The map key is
// "{source}.{source_table}" unless source_table overrides it; target is
// "{target}.{target_table}".
type MappingRule struct {
	SourceTable string                 `json:"source_table"`
	Target      string                 `json:"target"`
	PrimaryKey  string                 `json:"primary_key"`
	Columns     ColumnMapping          `json:"column_mapping"`
	Filter      map[string]interface{} `json:"filter"`
	InitQuery   string                 `json:"init_query"`

	// Resolved at validation time.
	Key         string            `json:"-"`
	SourceName  string            `json:"-"`
	TableName   string            `json:"-"`
	TargetName  string            `json:"-"`
	TargetTable string            `json:"-"`
	Predicate   *filter.Predicate `json:"-"`
}

func (r *MappingRule) resolve(key string, cfg *Config) error {
	r.Key = key

	ref := key
	if r.SourceTable != "" {
		ref = r.SourceTable
	}
	source, table, err := splitRef(ref)
	if err != nil {
		return fmt.Errorf("mapping %q: source reference %q: %w", key, ref, err)
	}
	if _, ok := cfg.Sources[source]; !ok {
		return fmt.Errorf("mapping %q: unknown source %q", key, source)
	}
	r.SourceName = source
	r.TableName = table

	target, targetTable, err := splitRef(r.Target)
	if err != nil {
		return fmt.Errorf("mapping %q: target reference %q: %w", key, r.Target, err)
	}
	if _, ok := cfg.Targets[target]; !ok {
		return fmt.Errorf("mapping %q: unknown target %q", key, target)
	}
	r.TargetName = target
	r.TargetTable = targetTable

	if r.PrimaryKey == "" {
		return fmt.Errorf("mapping %q: primary_key is required", key)
	}
	if r.Columns.Len() == 0 {
		return fmt.Errorf("mapping %q: column_mapping must not be empty", key)
	}
	hasPK := false
	for _, col := range r.TargetColumns() {
		if col == r.PrimaryKey {
			hasPK = true
			break
		}
	}
	if !hasPK {
		return fmt.Errorf("mapping %q: primary key %q is not produced by column_mapping", key, r.PrimaryKey)
	}

	pred, err := filter.Compile(r.Filter)
	if err != nil {
		return fmt.Errorf("mapping %q: %w", key, err)
	}
	r.Predicate = pred
	return nil
}

// TargetColumns returns target column names in mapping order.
func (r *MappingRule) TargetColumns() []string {
	cols := make([]string, 0, r.Columns.Len())
	for _, entry := range r.Columns.Entries() {
		cols = append(cols, entry.Spec.TargetColumn)
	}
	return cols
}

func splitRef(ref string) (string, string, error) {
	i := strings.Index(ref, ".")
	if i <= 0 || i == len(ref)-1 {
		return "", "", fmt.Errorf("expected \"name.table\"")
	}
	return ref[:i], ref[i+1:], nil
}

// ColumnSpec describes how one target column is produced. Exactly one of
// copy (neither Value nor Transform), static Value, or Transform applies.
type ColumnSpec struct {
	TargetColumn string
	Value        interface{}
	HasValue     bool
	Transform    string
	PrimaryKey   bool
}

type ColumnEntry struct {
	Source string
	Spec   ColumnSpec
}

// ColumnMapping preserves the document order of its entries, so upserts and
// batch upserts always see a stable column list.
type ColumnMapping struct {
	entries []ColumnEntry
}

func (m *ColumnMapping) Len() int               { return len(m.entries) }
func (m *ColumnMapping) Entries() []ColumnEntry { return m.entries }

// Add appends an entry; used by tests building mappings in code.
func (m *ColumnMapping) Add(source string, spec ColumnSpec) {
	m.entries = append(m.entries, ColumnEntry{Source: source, Spec: spec})
}

type columnSpecDoc struct {
	Column     string          `json:"column"`
	Value      json.RawMessage `json:"value"`
	Transform  string          `json:"transform"`
	PrimaryKey bool            `json:"primary_key"`
}

// UnmarshalJSON accepts either the string shorthand ("src": "tgt", a plain
// copy) or the object form with column/value/transform, walking the document
// token by token to keep entry order.
func (m *ColumnMapping) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("column_mapping must be an object")
	}

	m.entries = nil
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		source := keyTok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		spec, err := parseColumnSpec(source, raw)
		if err != nil {
			return err
		}
		m.entries = append(m.entries, ColumnEntry{Source: source, Spec: spec})
	}
	_, err = dec.Token() // closing brace
	return err
}

func parseColumnSpec(source string, raw json.RawMessage) (ColumnSpec, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var target string
		if err := json.Unmarshal(trimmed, &target); err != nil {
			return ColumnSpec{}, err
		}
		return ColumnSpec{TargetColumn: target}, nil
	}

	var doc columnSpecDoc
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return ColumnSpec{}, fmt.Errorf("column %q: %w", source, err)
	}
	if doc.Column == "" {
		return ColumnSpec{}, fmt.Errorf("column %q: target column name is required", source)
	}
	spec := ColumnSpec{
		TargetColumn: doc.Column,
		Transform:    doc.Transform,
		PrimaryKey:   doc.PrimaryKey,
	}
	if doc.Value != nil {
		spec.HasValue = true
		if err := json.Unmarshal(doc.Value, &spec.Value); err != nil {
			return ColumnSpec{}, fmt.Errorf("column %q: %w", source, err)
		}
	}
	if spec.HasValue && spec.Transform != "" {
		return ColumnSpec{}, fmt.Errorf("column %q: cannot set both value and transform", source)
	}
	return spec, nil
}
