// Package notify pushes upload progress to the client connection that
// submitted a job.
package notify

import (
	"context"
	"encoding/json"

	"github.com/tendant/face-index-pipeline/pkg/pipeline"
)

// Emitter publishes one named event to a client connection.
// Delivery is fire-and-forget: an unknown or disconnected client is not an error.
type Emitter interface {
	Emit(ctx context.Context, clientConnectionID, event string, payload any) error
}

// Progress sends ev to its client connection under the event name its status maps to
func Progress(ctx context.Context, e Emitter, ev pipeline.ProgressEvent) error {
	return e.Emit(ctx, ev.ClientConnectionID, ev.EventName(), ev)
}

// Message is the envelope written to SSE streams and the Redis channel
type Message struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func newMessage(channel, event string, payload any) (Message, error) {
	msg := Message{Channel: channel, Event: event}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	msg.Data = raw
	return msg, nil
}
