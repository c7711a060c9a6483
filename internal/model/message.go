package model

import "time"

type MessageType string

const (
	MessageRow         MessageType = "row"
	MessageShutdown    MessageType = "shutdown"
	MessageHealthcheck MessageType = "healthcheck"
)

// BroadcastTarget routes a message to every subscriber.
const BroadcastTarget = "*"

// Message wraps a row event or a control signal. TargetName is the routing
// key: each target worker receives messages addressed to it or broadcast.
type Message struct {
	Type       MessageType
	Source     string
	TargetName string
	Event      *RowEvent
	Ts         time.Time
}

func NewRowMessage(source, target string, ev *RowEvent) Message {
	return Message{
		Type:       MessageRow,
		Source:     source,
		TargetName: target,
		Event:      ev,
		Ts:         time.Now(),
	}
}

func NewHealthcheckMessage(source string) Message {
	return Message{
		Type:       MessageHealthcheck,
		Source:     source,
		TargetName: BroadcastTarget,
		Ts:         time.Now(),
	}
}

func NewShutdownMessage(source string) Message {
	return Message{
		Type:       MessageShutdown,
		Source:     source,
		TargetName: BroadcastTarget,
		Ts:         time.Now(),
	}
}
