package node

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// StreamConfig tunes the /ws status stream.
type StreamConfig struct {
	Poll           time.Duration // how often the machine's status is sampled
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Poll:           100 * time.Millisecond,
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxMessageSize: 512,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// local admin surface; any origin
	CheckOrigin: func(*http.Request) bool { return true },
}

// Stream upgrades to a websocket and pushes the status snapshot as JSON
// every time it changes.
func (n *Node) Stream(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		n.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	n.log.Info("status stream opened", zap.String("remote", req.RemoteAddr))

	done := make(chan struct{})
	go n.readPump(conn, done)
	n.writePump(conn, done)
	n.log.Info("status stream closed", zap.String("remote", req.RemoteAddr))
}

// writePump owns every write to conn.
func (n *Node) writePump(conn *websocket.Conn, done <-chan struct{}) {
	poll := time.NewTicker(n.stream.Poll)
	ping := time.NewTicker(n.stream.PingInterval)
	defer func() {
		poll.Stop()
		ping.Stop()
		conn.Close()
	}()

	var last []byte
	push := func() bool {
		data, err := json.Marshal(n.dev.Status())
		if err != nil {
			n.log.Error("marshal status", zap.Error(err))
			return false
		}
		if bytes.Equal(data, last) {
			return true
		}
		conn.SetWriteDeadline(time.Now().Add(n.stream.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			n.log.Debug("status write failed", zap.Error(err))
			return false
		}
		last = data
		return true
	}

	if !push() {
		return
	}
	for {
		select {
		case <-done:
			conn.SetWriteDeadline(time.Now().Add(n.stream.WriteTimeout))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-poll.C:
			if !push() {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(n.stream.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				n.log.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

// readPump discards client messages and notices when the peer goes away.
func (n *Node) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(n.stream.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(n.stream.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(n.stream.ReadTimeout))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				n.log.Warn("unexpected websocket close", zap.Error(err))
			}
			return
		}
	}
}
