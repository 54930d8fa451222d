package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/edgeflare/furnace/pkg/fanout"
	"github.com/edgeflare/furnace/pkg/httputil"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocket event names.
const (
	EventMessage       = "mqtt_message"
	EventPublish       = "publish"
	EventPublishResult = "publish_result"
)

const wsWriteTimeout = 10 * time.Second

// Event is the frame exchanged over /api/ws.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type inboundEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (s *Server) subscribe() (*fanout.ChanObserver, fanout.Handle, error) {
	if s.broadcaster == nil {
		return nil, "", errors.New("live stream is not configured")
	}
	obs := fanout.NewChanObserver(s.buffer)
	h := s.broadcaster.Subscribe(obs)
	if h == "" {
		return nil, "", errors.New("server is shutting down")
	}
	return obs, h, nil
}

// handleStream serves readings as server-sent events, starting with a
// connected event that carries the client id.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	obs, h, err := s.subscribe()
	if err != nil {
		httputil.Error(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer s.broadcaster.Unsubscribe(h)

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	log := s.logger.With(zap.String("client_id", string(h)))
	log.Info("sse client connected", zap.Int("observers", s.broadcaster.Len()))
	defer log.Info("sse client disconnected")

	hello, _ := json.Marshal(map[string]string{"type": "connected", "clientId": string(h)})
	if err := writeEvent(w, rc, hello); err != nil {
		return
	}

	ping := time.NewTicker(s.keepAlive)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case reading, ok := <-obs.C():
			if !ok {
				return
			}
			data, err := json.Marshal(reading)
			if err != nil {
				log.Error("encode reading", zap.Error(err))
				continue
			}
			if err := writeEvent(w, rc, data); err != nil {
				log.Debug("sse write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, data []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return rc.Flush()
}

// handleWebSocket pushes readings as mqtt_message events and accepts publish
// events from the client. Only the writer goroutine writes to the
// connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	obs, h, err := s.subscribe()
	if err != nil {
		httputil.Error(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer s.broadcaster.Unsubscribe(h)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	log := s.logger.With(zap.String("client_id", string(h)))
	log.Info("websocket client connected")
	defer log.Info("websocket client disconnected")

	replies := make(chan Event, 8)
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		s.writeLoop(conn, obs, replies, done, log)
	}()
	defer func() {
		close(done)
		<-stopped
	}()

	idle := 3 * s.keepAlive
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))

		var in inboundEvent
		if mt != websocket.TextMessage || json.Unmarshal(data, &in) != nil || in.Event != EventPublish {
			continue
		}
		select {
		case replies <- Event{Event: EventPublishResult, Data: s.publishEvent(r, in.Data)}:
		case <-stopped:
			return
		}
	}
}

func (s *Server) publishEvent(r *http.Request, data json.RawMessage) PublishResponse {
	var req PublishRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return PublishResponse{Error: "invalid publish data: " + err.Error()}
	}
	topic, err := s.relay.Publish(r.Context(), req.Topic, req.Bytes())
	if err != nil {
		return PublishResponse{Error: err.Error()}
	}
	return PublishResponse{Success: true, Topic: topic}
}

func (s *Server) writeLoop(conn *websocket.Conn, obs *fanout.ChanObserver, replies <-chan Event, done <-chan struct{}, log *zap.Logger) {
	ping := time.NewTicker(s.keepAlive)
	defer ping.Stop()

	write := func(v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(v); err != nil {
			log.Debug("websocket write", zap.Error(err))
			conn.Close()
			return false
		}
		return true
	}

	for {
		select {
		case <-done:
			return
		case reading, ok := <-obs.C():
			if !ok {
				// evicted or shutting down; unblock the reader
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(time.Second))
				conn.Close()
				return
			}
			if !write(Event{Event: EventMessage, Data: reading}) {
				return
			}
		case ev := <-replies:
			if !write(ev) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				conn.Close()
				return
			}
		}
	}
}
