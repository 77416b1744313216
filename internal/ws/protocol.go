package ws

import (
	"github.com/memwatch/memwatch/internal/event"
	"github.com/memwatch/memwatch/internal/threshold"
)

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgEvents   MessageType = "events"
	MsgPools    MessageType = "pools"
	MsgError    MessageType = "error"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

type SnapshotPayload struct {
	Pools  []threshold.PoolStatus `json:"pools"`
	Events []event.Record         `json:"events"`
}

type EventsPayload struct {
	Events []event.Record `json:"events"`
}

type PoolsPayload struct {
	Pools []threshold.PoolStatus `json:"pools"`
}
