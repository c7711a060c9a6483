package model

import (
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	KindInsert EventKind = "insert"
	KindUpdate EventKind = "update"
	KindDelete EventKind = "delete"
	KindInit   EventKind = "init"
)

// RowEvent is the canonical unit carried on the bus. INIT events have the
// same shape as INSERT: current values in Values, no before image.
type RowEvent struct {
	Kind       EventKind
	SourceName string
	Schema     string
	Table      string

	Values       map[string]interface{} // insert, delete, init
	BeforeValues map[string]interface{} // update
	AfterValues  map[string]interface{} // update

	LogFile  string // binlog position, empty when unknown
	LogPos   uint32
	ServerID uint32

	EventID string
	Ts      int64 // unix timestamp
}

// Row returns the image the event would leave in the target: AfterValues for
// updates, Values otherwise.
func (e *RowEvent) Row() map[string]interface{} {
	if e.Kind == KindUpdate {
		return e.AfterValues
	}
	return e.Values
}

// NewEventID returns the 8-char display form of a fresh UUID.
func NewEventID() string {
	return uuid.NewString()[:8]
}

func NewRowEvent(kind EventKind, source, schema, table string) *RowEvent {
	return &RowEvent{
		Kind:       kind,
		SourceName: source,
		Schema:     schema,
		Table:      table,
		EventID:    NewEventID(),
		Ts:         time.Now().Unix(),
	}
}
