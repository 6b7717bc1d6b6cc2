package ws

import (
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"liveServer/backend/internal/cache"
	"liveServer/backend/internal/live"
)

// 全局的 WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

// Manager 负责把 HTTP 升级成 WebSocket 并托管会话生命周期。
type Manager struct {
	hub         *Hub
	engine      *live.Manager
	presence    cache.PresenceCache
	presenceTTL time.Duration
}

func NewManager(hub *Hub, engine *live.Manager, presence cache.PresenceCache, presenceTTL time.Duration) *Manager {
	if presenceTTL <= 0 {
		presenceTTL = 10 * time.Minute
	}
	return &Manager{hub: hub, engine: engine, presence: presence, presenceTTL: presenceTTL}
}

// WebSocketConnect：升级连接 → 注册会话 → 读写循环 → 统一拆会话。
// userId / username 由上游鉴权中间件写入 gin 上下文。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	sessionID := fmt.Sprintf("s-%d", time.Now().UnixNano())

	if err := m.engine.RegisterSession(c.Request.Context(), sessionID, userID); err != nil {
		// 能力检查拒绝对会话注册是致命的：回一条拒绝就关
		_ = conn.WriteJSON(RejectedMessage{Type: "REJECTED", Reason: rejectReason(err)})
		return
	}

	wsConn := NewConn(conn, m.hub, m.engine, m.presence, m.presenceTTL, sessionID, userID, username)
	m.hub.Register(wsConn)

	// 先启动写循环，保证后面塞进 send 的消息能被及时发出去
	go wsConn.writeLoop()

	wsConn.enqueue(FeedbackMessage{Type: "FEEDBACK", Content: "session " + sessionID + " established"})

	// 读循环阻塞到连接关闭
	wsConn.readLoop(c.Request.Context())

	// 拆会话：注册表、订阅、监控条目、redis presence
	m.hub.Unregister(wsConn)
	m.engine.UnregisterSession(sessionID)
	wsConn.cleanupPresence()
}
