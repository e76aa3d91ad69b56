package server

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// connPool tracks the connected websocket clients. Every event frame is
// broadcast to all of them; clients filter by conversation on their side.
type connPool struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newConnPool() *connPool {
	return &connPool{conns: map[*websocket.Conn]struct{}{}}
}

func (p *connPool) Add(conn *websocket.Conn) {
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()
}

func (p *connPool) Remove(conn *websocket.Conn) {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	_ = conn.Close()
}

func (p *connPool) Broadcast(data []byte) {
	if len(data) == 0 {
		return
	}
	p.mu.Lock()
	for conn := range p.conns {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Str("component", "server").Msg("ws broadcast failed, dropping connection")
			delete(p.conns, conn)
			_ = conn.Close()
		}
	}
	p.mu.Unlock()
}

func (p *connPool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *connPool) CloseAll() {
	p.mu.Lock()
	for conn := range p.conns {
		_ = conn.Close()
		delete(p.conns, conn)
	}
	p.mu.Unlock()
}
