package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/phuslu/log"
)

const (
	tailWriteWait  = 10 * time.Second
	tailPongWait   = 60 * time.Second
	tailPingPeriod = tailPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleTail streams every processed batch to a websocket client as a JSON
// array of events. A client that cannot keep up misses batches.
func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, cancel := s.consumer.Subscribe(s.opts.TailBuffer)
	defer cancel()
	log.Debug().Str("remote", r.RemoteAddr).Msg("tail client connected")

	// The read loop only handles control frames and notices the close.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(tailPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(tailPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug().Err(err).Msg("tail client read error")
				}
				return
			}
		}
	}()

	ping := time.NewTicker(tailPingPeriod)
	defer ping.Stop()
	for {
		select {
		case batch := <-events:
			conn.SetWriteDeadline(time.Now().Add(tailWriteWait))
			if err := conn.WriteJSON(batch); err != nil {
				log.Debug().Err(err).Msg("tail write failed")
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(tailWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			log.Debug().Str("remote", r.RemoteAddr).Msg("tail client disconnected")
			return
		case <-r.Context().Done():
			return
		}
	}
}
