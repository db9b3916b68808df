package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/eventbus"
)

// Message is the JSON envelope for every streamed event.
type Message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsReadLimit    = 4096
)

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		// The daemon binds loopback; dashboards connect same-origin.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
}

// handleBatchWS streams the full batch feed: per-task log lines, task
// status transitions and batch lifecycle events.
func (s *Server) handleBatchWS(w http.ResponseWriter, r *http.Request) {
	s.streamTopics(w, r,
		eventbus.TopicTaskLog,
		eventbus.TopicTaskStatus,
		eventbus.TopicBatchLifecycle,
	)
}

// handleEventsWS streams the dashboard feed: device mode changes and batch
// lifecycle events, without the log firehose.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	s.streamTopics(w, r,
		eventbus.TopicDeviceMode,
		eventbus.TopicBatchLifecycle,
	)
}

func (s *Server) streamTopics(w http.ResponseWriter, r *http.Request, topics ...eventbus.Topic) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus unavailable")
		return
	}
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	subs := make([]*eventbus.Subscription, 0, len(topics))
	events := make(chan eventbus.Envelope, 64)
	stop := make(chan struct{})
	defer close(stop)
	for _, topic := range topics {
		sub := s.bus.Subscribe(topic, eventbus.WithSubscriptionName("ws-"+string(topic)))
		subs = append(subs, sub)
		defer sub.Close()
		go func(sub *eventbus.Subscription) {
			for env := range sub.C() {
				select {
				case events <- env:
				case <-stop:
					return
				}
			}
		}(sub)
	}

	// Reader drains control frames and surfaces the peer closing.
	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		conn.SetReadLimit(wsReadLimit)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case env := <-events:
			msg := Message{
				Type:      string(env.Topic),
				Data:      env.Payload,
				Timestamp: env.Timestamp,
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-peerGone:
			return
		}
	}
}
