package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect cross-origin from the mobile webview.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	watchPollInterval = 2 * time.Second
	watchWriteTimeout = 5 * time.Second
)

// Watch streams proximity snapshots over a websocket until the session goes
// terminal or the client hangs up. The terminal snapshot is pushed before the
// connection closes, so clients see Completed/Cancelled/Expired arrive live.
func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	meetupID := chi.URLParam(r, "meetupId")

	// Authorize before upgrading so a rejected caller gets a proper HTTP error.
	status, err := h.Meetups.Snapshot(r.Context(), actor, meetupID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	last, _ := json.Marshal(status)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("ws upgrade failed")
		return
	}
	defer conn.Close()

	// Reads only surface client disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if !h.push(conn, last) {
		return
	}
	if status.Status.Terminal() {
		return
	}

	ticker := time.NewTicker(watchPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		status, err := h.Meetups.Snapshot(r.Context(), actor, meetupID)
		if err != nil {
			log.WithFields(log.Fields{"session_id": meetupID, "error": err}).Warn("ws snapshot failed")
			return
		}
		next, _ := json.Marshal(status)
		if bytes.Equal(next, last) {
			continue
		}
		last = next
		if !h.push(conn, next) {
			return
		}
		if status.Status.Terminal() {
			return
		}
	}
}

func (h *Handler) push(conn *websocket.Conn, payload []byte) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload) == nil
}
