package worker

import (
	"fmt"
	"time"

	"github.com/tumurzakov/myrepetl/pkg/config"
)

// batchSlot accumulates pending upsert rows for one mapping rule. Rows stay
// in insertion order; a second row for the same primary key overwrites the
// first in place (last write wins within the batch).
type batchSlot struct {
	rule  *config.MappingRule
	rows  []map[string]interface{}
	index map[string]int // primary key display form -> position in rows
	first time.Time
}

func (s *batchSlot) add(row map[string]interface{}) {
	key := fmt.Sprint(row[s.rule.PrimaryKey])
	if i, ok := s.index[key]; ok {
		s.rows[i] = row
		return
	}
	s.index[key] = len(s.rows)
	s.rows = append(s.rows, row)
}

// batchSet is the per-target accumulator: one slot per mapping rule, so
// events of different rules never share a batch.
type batchSet struct {
	slots   map[string]*batchSlot
	maxRows int
}

func newBatchSet(maxRows int) *batchSet {
	return &batchSet{
		slots:   make(map[string]*batchSlot),
		maxRows: maxRows,
	}
}

// add appends a row to the rule's slot and reports whether the slot reached
// the batch size.
func (b *batchSet) add(rule *config.MappingRule, row map[string]interface{}) bool {
	s := b.slots[rule.Key]
	if s == nil {
		s = &batchSlot{
			rule:  rule,
			index: make(map[string]int),
			first: time.Now(),
		}
		b.slots[rule.Key] = s
	}
	s.add(row)
	return len(s.rows) >= b.maxRows
}

// take removes and returns the rule's slot, nil when empty.
func (b *batchSet) take(ruleKey string) *batchSlot {
	s := b.slots[ruleKey]
	delete(b.slots, ruleKey)
	return s
}

// aged removes and returns every slot whose oldest row has reached maxAge.
func (b *batchSet) aged(maxAge time.Duration, now time.Time) []*batchSlot {
	var out []*batchSlot
	for key, s := range b.slots {
		if now.Sub(s.first) >= maxAge {
			delete(b.slots, key)
			out = append(out, s)
		}
	}
	return out
}

// takeAll drains the accumulator, for the final flush on shutdown.
func (b *batchSet) takeAll() []*batchSlot {
	out := make([]*batchSlot, 0, len(b.slots))
	for key, s := range b.slots {
		delete(b.slots, key)
		out = append(out, s)
	}
	return out
}

func (b *batchSet) size() int {
	n := 0
	for _, s := range b.slots {
		n += len(s.rows)
	}
	return n
}
