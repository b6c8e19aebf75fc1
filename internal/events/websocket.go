package events

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 54 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	readLimit     = 512
)

// WSHandler streams hub events to websocket clients as JSON text frames.
// Query parameter "since" replays history after that sequence number.
type WSHandler struct {
	hub      *Hub
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler returns a handler for hub. Origins are not checked; stream
// endpoints carry no authentication.
func NewWSHandler(hub *Hub, log *slog.Logger) *WSHandler {
	return &WSHandler{
		hub: hub,
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var since int64
	if s := r.URL.Query().Get("since"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		since = n
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	backlog, ch, cancel := h.hub.Subscribe(since, DefaultSubscriberBuffer)
	go h.readPump(conn, cancel)
	h.writePump(conn, backlog, ch, cancel)
}

// readPump discards client frames and cancels the subscription when the
// connection goes away.
func (h *WSHandler) readPump(conn *websocket.Conn, cancel func()) {
	defer cancel()

	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug("websocket read error", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (h *WSHandler) writePump(conn *websocket.Conn, backlog []Event, ch <-chan Event, cancel func()) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		cancel()
		conn.Close()
	}()

	for _, e := range backlog {
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}

	for {
		select {
		case e, ok := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				h.log.Debug("websocket write error", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
