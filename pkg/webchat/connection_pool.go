package webchat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

type poolClient struct {
	conn wsConn
	send chan []byte
	once sync.Once
}

func (c *poolClient) stop() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

// ConnectionPool fans frames out to the websockets watching one conversation.
// Each connection has its own writer goroutine; a connection whose buffer is
// full is dropped rather than stalling the others.
type ConnectionPool struct {
	convID       int64
	mu           sync.Mutex
	conns        map[wsConn]*poolClient
	idleTimer    *time.Timer
	idleTimeout  time.Duration
	onIdle       func()
	sendBuffer   int
	writeTimeout time.Duration
}

func NewConnectionPool(convID int64, idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	return &ConnectionPool{
		convID:       convID,
		conns:        map[wsConn]*poolClient{},
		idleTimeout:  idleTimeout,
		onIdle:       onIdle,
		sendBuffer:   256,
		writeTimeout: 10 * time.Second,
	}
}

func (cp *ConnectionPool) Add(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	c := &poolClient{conn: conn, send: make(chan []byte, cp.sendBuffer)}
	cp.mu.Lock()
	cp.conns[conn] = c
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
	go cp.writeLoop(c)
}

func (cp *ConnectionPool) writeLoop(c *poolClient) {
	for data := range c.send {
		if cp.writeTimeout > 0 {
			_ = c.conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout))
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Str("component", "webchat").Int64("conv_id", cp.convID).Msg("ws write failed, dropping connection")
			cp.Remove(c.conn)
			return
		}
	}
}

func (cp *ConnectionPool) Remove(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	c, ok := cp.conns[conn]
	delete(cp.conns, conn)
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
	if ok {
		c.stop()
	} else {
		_ = conn.Close()
	}
}

func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for conn, c := range cp.conns {
		if !cp.enqueueLocked(c, data) {
			delete(cp.conns, conn)
		}
	}
	cp.scheduleIdleTimerLocked()
}

func (cp *ConnectionPool) SendToOne(conn wsConn, data []byte) {
	if cp == nil || conn == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	c, ok := cp.conns[conn]
	if !ok {
		return
	}
	if !cp.enqueueLocked(c, data) {
		delete(cp.conns, conn)
		cp.scheduleIdleTimerLocked()
	}
}

func (cp *ConnectionPool) enqueueLocked(c *poolClient, data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		log.Warn().Str("component", "webchat").Int64("conv_id", cp.convID).Msg("ws send buffer full, dropping connection")
		go c.stop()
		return false
	}
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	clients := make([]*poolClient, 0, len(cp.conns))
	for conn, c := range cp.conns {
		clients = append(clients, c)
		delete(cp.conns, conn)
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
	for _, c := range clients {
		c.stop()
	}
}

// Touch re-arms the idle timer when the pool is empty.
func (cp *ConnectionPool) Touch() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	if len(cp.conns) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		cp.stopIdleTimerLocked()
		return
	}
	cp.stopIdleTimerLocked()
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
	var callback func()
	cp.mu.Lock()
	if len(cp.conns) == 0 {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}
