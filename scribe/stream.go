package scribe

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bosley/dictation/session"
	"github.com/bosley/dictation/transcript"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Largest audio chunk accepted in one frame
	maxFrameSize = 1 << 20
)

// streamConn drives one session from one websocket
type streamConn struct {
	scribe    *Scribe
	conn      *websocket.Conn
	session   *session.Session
	send      chan []byte
	closeOnce sync.Once
}

// handleStream upgrades to a websocket and opens a session for it. Binary frames
// carry audio; text frames carry ControlMessage values.
func (s *Scribe) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "Streaming is not configured", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	sess := s.sessions.Open(s.streamDecoder(),
		"transport", "websocket",
		"remoteAddr", r.RemoteAddr)
	if language := r.URL.Query().Get("language"); language != "" {
		sess.SetLanguage(language)
	}

	c := &streamConn{
		scribe:  s,
		conn:    conn,
		session: sess,
		send:    make(chan []byte, 256),
	}

	c.write(WebSocketMessage{
		Type:      "session",
		SessionID: sess.ID().String(),
		Timestamp: time.Now(),
	})

	go c.writePump()
	go c.readPump()
}

func (c *streamConn) id() string {
	return c.session.ID().String()
}

func (c *streamConn) write(msg WebSocketMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to marshal message", "error", err)
		return
	}

	select {
	case c.send <- data:
	default:
		slog.Warn("Dropping message for slow client - channel full",
			"sessionID", c.id(),
			"type", msg.Type)
	}
}

func (c *streamConn) emit(segments []transcript.Segment) {
	if len(segments) == 0 {
		return
	}
	c.write(WebSocketMessage{
		Type:      "segments",
		SessionID: c.id(),
		Timestamp: time.Now(),
		Segments:  segments,
	})
	c.scribe.publish(c.scribe.baseCtx, c.id(), segments)
}

func (c *streamConn) fail(message string) {
	c.write(WebSocketMessage{
		Type:      "error",
		SessionID: c.id(),
		Timestamp: time.Now(),
		Error:     message,
	})
}

func (c *streamConn) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

func (c *streamConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *streamConn) readPump() {
	defer func() {
		// Whatever is still buffered gets one last pass
		c.emit(c.session.Flush(c.scribe.baseCtx))
		c.close()
		c.scribe.sessions.Close(c.session)
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Error("WebSocket read error", "error", err, "sessionID", c.id())
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch kind {
		case websocket.BinaryMessage:
			c.emit(c.session.AddChunk(c.scribe.baseCtx, data))
		case websocket.TextMessage:
			c.control(data)
		}
	}
}

func (c *streamConn) control(data []byte) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.fail("invalid control message")
		return
	}

	slog.Debug("Control message", "sessionID", c.id(), "type", msg.Type)

	switch msg.Type {
	case ControlPause:
		c.session.Pause()
	case ControlResume:
		c.session.Resume()
	case ControlReset:
		c.session.Reset()
	case ControlLanguage:
		c.session.SetLanguage(msg.Language)
	case ControlFlush:
		c.emit(c.session.Flush(c.scribe.baseCtx))
	default:
		c.fail("unknown control message type " + msg.Type)
	}
}
