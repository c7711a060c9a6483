package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewEventID(t *testing.T) {
	a := NewEventID()
	b := NewEventID()
	assert.Len(t, a, 8)
	assert.NotEqual(t, a, b)
}

func TestRowImage(t *testing.T) {
	ins := NewRowEvent(KindInsert, "s", "db", "t")
	ins.Values = map[string]interface{}{"id": 1}
	assert.Equal(t, ins.Values, ins.Row())

	upd := NewRowEvent(KindUpdate, "s", "db", "t")
	upd.BeforeValues = map[string]interface{}{"id": 1, "v": "old"}
	upd.AfterValues = map[string]interface{}{"id": 1, "v": "new"}
	assert.Equal(t, upd.AfterValues, upd.Row())
}

func TestShutdownMessageBroadcasts(t *testing.T) {
	msg := NewShutdownMessage("supervisor")
	assert.Equal(t, MessageShutdown, msg.Type)
	assert.Equal(t, BroadcastTarget, msg.TargetName)
}
