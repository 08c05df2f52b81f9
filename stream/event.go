package stream

import (
	"encoding/json"
	"time"
)

// Event types delivered to subscribers.
const (
	// EventState carries a full session snapshot.
	EventState = "state"
	// EventHeartbeat keeps idle connections alive through proxies.
	EventHeartbeat = "heartbeat"
)

// Event is one server-sent message.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// mustMarshal marshals data to JSON, panicking on error (programming error).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("stream: marshal event data: " + err.Error())
	}
	return data
}
