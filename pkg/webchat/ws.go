package webchat

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/xiaoxianzi-99/AiBot/pkg/eventbus"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

// handleWS attaches a websocket to /ws?conv_id=N. The first frame is a
// "hello" carrying the persisted messages; after that every session event of
// the conversation arrives as an eventbus.Envelope.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get("conv_id")), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "missing conv_id", http.StatusBadRequest)
		return
	}
	live, err := s.cm.GetOrCreate(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.snapshot(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	logger := log.With().Str("component", "webchat").Int64("conv_id", id).Logger()

	hello, err := json.Marshal(eventbus.Envelope{
		Kind:           "hello",
		ConversationID: id,
		Conversation:   &snap.Conversation,
		Messages:       snap.Messages,
		Text:           snap.Welcome,
	})
	if err != nil {
		_ = conn.Close()
		return
	}
	live.Pool.Add(conn)
	live.Pool.SendToOne(conn, hello)
	logger.Debug().Int("connections", live.Pool.Count()).Msg("websocket attached")

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	// The client only sends control frames; reading keeps pongs flowing and
	// notices disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	close(done)
	live.Pool.Remove(conn)
	logger.Debug().Msg("websocket detached")
}
