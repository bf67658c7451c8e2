package livefeed

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsMaxMessage = 4096
)

// WSOptions configures the WebSocket live feed handler.
type WSOptions struct {
	Buffer       int
	PingInterval time.Duration
	Upgrader     *websocket.Upgrader
}

// WSHandler serves the live feed over WebSocket text frames. Pongs and any inbound
// message refresh the connection heartbeat.
func WSHandler(reg *Registry, opts WSOptions) http.Handler {
	if opts.PingInterval <= 0 {
		opts.PingInterval = reg.cfg.HeartbeatInterval
	}
	upgrader := opts.Upgrader
	if upgrader == nil {
		upgrader = &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			reg.log.WithError(err).Debug("websocket upgrade")
			return
		}
		defer ws.Close()

		sink := NewChanSink(opts.Buffer)
		conn, err := reg.Add(r.URL.Query().Get("clientId"), sink)
		if err != nil {
			reg.log.WithError(err).Warn("register websocket connection")
			return
		}
		defer conn.Close()

		ws.SetReadLimit(wsMaxMessage)
		ws.SetPongHandler(func(string) error {
			conn.Touch()
			return nil
		})

		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
				conn.Touch()
			}
		}()

		ping := time.NewTicker(opts.PingInterval)
		defer ping.Stop()

		for {
			select {
			case <-readDone:
				return
			case <-sink.Done():
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(wsWriteWait))
				return
			case payload := <-sink.Messages():
				ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			case <-ping.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	})
}
