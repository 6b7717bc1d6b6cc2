package ws

import (
	"log"
	"sync"
)

// Hub 是频道扇出层：维护 频道 → 订阅连接集合 的映射，并持有会话注册表
//（sessionID → 连接）。引擎只按 sessionID 引用会话，连接归这里管。
//
// 投递契约：对同一频道先后 Publish 的消息，每个连接收到的顺序与发布
// 顺序一致（每个连接一条有序发送队列，单独的写协程消费）。
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*Conn]struct{}
	conns    map[string]*Conn
}

func NewHub() *Hub {
	return &Hub{
		channels: make(map[string]map[*Conn]struct{}),
		conns:    make(map[string]*Conn),
	}
}

// Register 把连接加入会话注册表。
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.sessionID] = c
}

// Unregister 把连接从注册表和它订阅的所有频道里移除。
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.sessionID)
	for ch, conns := range h.channels {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.channels, ch)
		}
	}
}

// Subscribe 幂等：重复订阅同一个频道没有副作用。
func (h *Hub) Subscribe(c *Conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channels[channel] == nil {
		// 存的是连接集合而不是 userID：同一用户可以开多个标签页/设备，
		// 广播必须逐连接投递
		h.channels[channel] = make(map[*Conn]struct{})
	}
	h.channels[channel][c] = struct{}{}
}

// Unsubscribe 幂等。
func (h *Hub) Unsubscribe(c *Conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.channels[channel]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.channels, channel)
		}
	}
}

// Publish 投递给频道的所有订阅者，excludeSessionID 指定的作者除外
//（回声抑制：作者不会从广播里收到自己的变更）。
// 满足 live.Broadcaster。
func (h *Hub) Publish(channel string, payload any, excludeSessionID string) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.channels[channel]))
	for c := range h.channels[channel] {
		if excludeSessionID != "" && c.sessionID == excludeSessionID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.trySend(payload) {
			// 发送队列堆满说明对端长期不消费，掐掉连接让它重连后 resync，
			// 比悄悄丢消息破坏保序要好
			log.Printf("ws: send queue full, dropping conn session=%s", c.sessionID)
			c.stop()
		}
	}
}

// SessionCount 当前注册的会话数（测试/观测用）。
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
