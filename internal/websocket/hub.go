// internal/websocket/hub.go
package websocket

import (
	"context"
	"encoding/json"

	"iot-sensor-gateway/internal/data"
	"iot-sensor-gateway/internal/logger"
	"iot-sensor-gateway/internal/metrics"
)

// Message types pushed to subscribers
const (
	TypeSensorUpdate = "sensor_update"
	TypeAlert        = "alert"
	TypeHistory      = "history"
)

const broadcastBuffer = 256

type sensorUpdate struct {
	Type string       `json:"type"`
	Data data.Reading `json:"data"`
}

type alertMessage struct {
	Type  string     `json:"type"`
	Alert data.Alert `json:"alert"`
}

type historyMessage struct {
	Type string         `json:"type"`
	Data []data.Reading `json:"data"`
}

// Hub maintains the set of active clients and broadcasts messages.
// Client state is only touched by the Run goroutine.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	count      chan chan int
	done       chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		count:      make(chan chan int),
		done:       make(chan struct{}),
	}
}

// Run serves hub events until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	log := logger.WithComponent("hub")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.remove(client)
			}
			log.Info().Msg("hub stopped")
			return

		case client := <-h.register:
			h.clients[client] = true
			metrics.WebsocketClients.Set(float64(len(h.clients)))
			log.Info().Str("remote_addr", client.remoteAddr()).Msg("websocket client registered")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.remove(client)
				log.Info().Str("remote_addr", client.remoteAddr()).Msg("websocket client unregistered")
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.Send <- message:
				default:
					// slow or gone, drop it
					log.Warn().Str("remote_addr", client.remoteAddr()).Msg("websocket send buffer full, removing client")
					metrics.WebsocketDropped.Inc()
					h.remove(client)
				}
			}

		case reply := <-h.count:
			reply <- len(h.clients)
		}
	}
}

func (h *Hub) remove(client *Client) {
	delete(h.clients, client)
	close(client.Send)
	metrics.WebsocketClients.Set(float64(len(h.clients)))
}

// RegisterClient hands a new client to the hub. It returns false once the
// hub has stopped.
func (h *Hub) RegisterClient(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// UnregisterClient removes a client; unknown clients are ignored.
func (h *Hub) UnregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// BroadcastReading pushes a sensor_update frame to all clients
func (h *Hub) BroadcastReading(r data.Reading) {
	h.publish(sensorUpdate{Type: TypeSensorUpdate, Data: r})
}

// BroadcastAlert pushes an alert frame to all clients
func (h *Hub) BroadcastAlert(a data.Alert) {
	h.publish(alertMessage{Type: TypeAlert, Alert: a})
}

// HistoryMessage encodes the frame sent to newly connected clients.
func HistoryMessage(readings []data.Reading) ([]byte, error) {
	return json.Marshal(historyMessage{Type: TypeHistory, Data: readings})
}

func (h *Hub) publish(v interface{}) {
	messageBytes, err := json.Marshal(v)
	if err != nil {
		logger.WithComponent("hub").Error().Err(err).Msg("error marshalling broadcast message")
		return
	}
	select {
	case h.broadcast <- messageBytes:
	case <-h.done:
	}
}
