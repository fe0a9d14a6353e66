package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/face-index-pipeline/internal/logger"
)

const outboundBuffer = 32

// Client is one open SSE stream subscribed to a client connection id
type Client struct {
	ID       uuid.UUID
	Channel  string
	Outbound chan Message
	done     chan struct{}
	once     sync.Once
}

// Hub fans messages out to SSE clients in this process
type Hub struct {
	mu            sync.RWMutex
	logger        *logger.Logger
	subscriptions map[string]map[*Client]bool
	heartbeat     time.Duration
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		logger:        log.With("component", "NotifyHub"),
		subscriptions: make(map[string]map[*Client]bool),
		heartbeat:     15 * time.Second,
	}
}

// Subscribe registers a new client on the given client connection id
func (hub *Hub) Subscribe(channel string) *Client {
	client := &Client{
		ID:       uuid.New(),
		Channel:  strings.TrimSpace(channel),
		Outbound: make(chan Message, outboundBuffer),
		done:     make(chan struct{}),
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()

	clients, ok := hub.subscriptions[client.Channel]
	if !ok {
		clients = make(map[*Client]bool)
		hub.subscriptions[client.Channel] = clients
	}
	clients[client] = true

	hub.logger.Debug("client subscribed", "clientID", client.ID, "channel", client.Channel)
	return client
}

// Unsubscribe removes the client and closes its outbound channel
func (hub *Hub) Unsubscribe(client *Client) {
	client.once.Do(func() {
		hub.mu.Lock()
		if subMap, ok := hub.subscriptions[client.Channel]; ok {
			delete(subMap, client)
			if len(subMap) == 0 {
				delete(hub.subscriptions, client.Channel)
			}
		}
		close(client.done)
		close(client.Outbound)
		hub.mu.Unlock()

		hub.logger.Debug("client unsubscribed", "clientID", client.ID, "channel", client.Channel)
	})
}

// Subscribers returns the number of open streams for a channel
func (hub *Hub) Subscribers(channel string) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.subscriptions[channel])
}

// Broadcast delivers msg to every client of its channel without blocking.
// A client with a full buffer misses the message.
func (hub *Hub) Broadcast(msg Message) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	if msg.Channel == "" {
		return
	}
	for c := range hub.subscriptions[msg.Channel] {
		select {
		case c.Outbound <- msg:
		default:
			hub.logger.Warn("dropping message; outbound buffer full", "clientID", c.ID, "event", msg.Event)
		}
	}
}

// Emit implements Emitter for clients connected to this process
func (hub *Hub) Emit(ctx context.Context, clientConnectionID, event string, payload any) error {
	msg, err := newMessage(clientConnectionID, event, payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	hub.Broadcast(msg)
	return nil
}

// Stream serves an SSE stream for channel until the request ends
func (hub *Hub) Stream(w http.ResponseWriter, r *http.Request, channel string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := hub.Subscribe(channel)
	defer hub.Unsubscribe(client)

	heartbeat := time.NewTicker(hub.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.done:
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case msg, ok := <-client.Outbound:
			if !ok {
				return
			}
			raw, err := json.Marshal(msg)
			if err != nil {
				hub.logger.Warn("failed to marshal message", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, raw)
			flusher.Flush()
		}
	}
}
