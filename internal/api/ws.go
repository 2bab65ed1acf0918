package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/skyatlas/hipsview/internal/service"
)

// wsMessage is sent to websocket clients: a camera state after each command
// and a frame summary after each frame.
type wsMessage struct {
	Type    string                `json:"type"`
	Session string                `json:"session,omitempty"`
	Camera  *service.CameraState  `json:"camera,omitempty"`
	Frame   *service.FrameSummary `json:"frame,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// ws accepts camera commands and streams frame summaries.
func (h *handlers) ws(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	session := uuid.NewString()
	log := h.log.With().Str("session", session).Str("remote", r.RemoteAddr).Logger()
	log.Info().Msg("websocket connected")
	defer log.Info().Msg("websocket closed")

	frames, cancel := h.engine.Subscribe()
	defer cancel()

	out := make(chan wsMessage, 8)
	done := make(chan struct{})
	quit := make(chan struct{})
	defer close(quit)
	send := func(m wsMessage) bool {
		select {
		case out <- m:
			return true
		case <-quit:
			return false
		}
	}

	// Reader goroutine.
	go func() {
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd service.CameraCommand
			if err := json.Unmarshal(msg, &cmd); err != nil {
				if !send(wsMessage{Type: "error", Error: "invalid camera command"}) {
					return
				}
				continue
			}
			state, err := h.engine.ApplyCamera(cmd)
			if err != nil {
				if !send(wsMessage{Type: "error", Error: err.Error()}) {
					return
				}
				continue
			}
			if !send(wsMessage{Type: "camera", Camera: &state}) {
				return
			}
		}
	}()

	state := h.engine.Camera()
	if err := h.write(conn, wsMessage{Type: "camera", Session: session, Camera: &state}); err != nil {
		return
	}
	for {
		select {
		case <-done:
			return
		case m := <-out:
			if err := h.write(conn, m); err != nil {
				return
			}
		case sum, ok := <-frames:
			if !ok {
				return
			}
			if err := h.write(conn, wsMessage{Type: "frame", Frame: &sum}); err != nil {
				return
			}
		}
	}
}

func (h *handlers) write(conn *websocket.Conn, m wsMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(m); err != nil {
		h.log.Debug().Err(err).Msg("websocket write failed")
		return err
	}
	return nil
}
