// Package monitor implements the real-time pub/sub channel the status
// reporter (spec.md §4.K) pushes its periodic snapshots through, to any
// connected operational dashboard. It uses gorilla/websocket under the hood
// and exposes a topic-based broadcast API; the only publisher is
// internal/report, and the only topic in practice is "status".
package monitor

// MessageType identifies the kind of event carried by a Message.
type MessageType string

const (
	// MsgStatusReport carries one status-reporter snapshot (spec.md §4.K:
	// PID, thread count, active identifier operations by user, waiting
	// request count, active DataCite operations, DB connection counts).
	MsgStatusReport MessageType = "status.report"

	// MsgPing names a keep-alive message type. Nothing in this package sends
	// it; connection keep-alive uses WebSocket ping frames from writePump.
	MsgPing MessageType = "ping"
)

// Message is the envelope for every frame sent to dashboard clients.
//
// JSON example:
//
//	{"type":"status.report","topic":"status","payload":{"pid":1234,...}}
type Message struct {
	Type    MessageType `json:"type"`
	Topic   string      `json:"topic"`
	Payload any         `json:"payload"`
}
