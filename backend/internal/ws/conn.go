package ws

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"liveServer/backend/internal/cache"
	"liveServer/backend/internal/change"
	"liveServer/backend/internal/channel"
	"liveServer/backend/internal/live"
)

const (
	// 读到 pong 的最长等待；超过视为对端失联，拆会话
	pongWait = 60 * time.Second
	// ping 间隔，必须小于 pongWait
	pingPeriod = 50 * time.Second
	writeWait  = 10 * time.Second

	sendQueueSize = 256
)

// Conn 是一条活跃的客户端连接：一个 session。
// 读循环解析客户端消息并分发，写循环独占 websocket 写端，
// 其他协程只往 send 队列里塞。
type Conn struct {
	ws     *websocket.Conn
	hub    *Hub
	engine *live.Manager

	presence    cache.PresenceCache
	presenceTTL time.Duration

	sessionID string
	userID    uint64
	username  string

	// send 永远不 close：广播方随时可能还持有本连接的引用，
	// 往已关闭的通道发送会崩掉整个进程。拆连接只关 done。
	send chan any
	done chan struct{}

	mu         sync.Mutex
	openBlocks map[string]struct{}

	closeOnce sync.Once
}

func NewConn(wsConn *websocket.Conn, hub *Hub, engine *live.Manager, presence cache.PresenceCache, presenceTTL time.Duration, sessionID string, userID uint64, username string) *Conn {
	return &Conn{
		ws:          wsConn,
		hub:         hub,
		engine:      engine,
		presence:    presence,
		presenceTTL: presenceTTL,
		sessionID:   sessionID,
		userID:      userID,
		username:    username,
		send:        make(chan any, sendQueueSize),
		done:        make(chan struct{}),
		openBlocks:  make(map[string]struct{}),
	}
}

func (c *Conn) SessionID() string { return c.sessionID }

// trySend 非阻塞入队，队列满返回 false（由 Hub 决定掐连接）。
// 连接已在拆除时静默丢弃并返回 true：对端马上要重连 resync，
// 没必要再触发一轮掐连接。
func (c *Conn) trySend(msg any) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) enqueue(msg any) {
	c.trySend(msg)
}

// stop 发起拆连接：关 done 让写循环退出，掐掉 websocket 让读循环
// 出错返回并走统一的拆会话路径。幂等。
func (c *Conn) stop() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.stop()

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			// 传输错误只拆会话，不碰任何块状态
			log.Printf("ws read error (session=%s user=%d): %v", c.sessionID, c.userID, err)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case "HEARTBEAT":
			c.refreshPresence(ctx)
			c.enqueue(FeedbackMessage{Type: "FEEDBACK", Content: "heartbeat received"})

		case "SUBSCRIBE":
			if msg.Channel == "" {
				continue
			}
			c.hub.Subscribe(c, msg.Channel)
			// 带了 blockId 就回放缺的变更，让订阅者追平到当前版本
			if msg.BlockID != "" {
				c.replaySince(msg.BlockID, msg.LastSeenRevision)
			}

		case "UNSUBSCRIBE":
			if msg.Channel != "" {
				c.hub.Unsubscribe(c, msg.Channel)
			}

		case "OPEN_BLOCK":
			c.handleOpenBlock(ctx, msg.BlockID)

		case "CLOSE_BLOCK":
			c.handleCloseBlock(ctx, msg.BlockID)

		case "CHANGE":
			c.handleChange(ctx, msg)

		case "RESYNC":
			content, rev, err := c.engine.Resync(ctx, msg.BlockID)
			if err != nil {
				c.enqueue(RejectedMessage{Type: "REJECTED", BlockID: msg.BlockID, Reason: rejectReason(err)})
				continue
			}
			c.enqueue(BlockContentMessage{Type: "RESYNC", BlockID: msg.BlockID, Revision: rev, Content: content})

		default:
			c.enqueue(FeedbackMessage{Type: "FEEDBACK", Content: "unknown message type"})
		}
	}
}

func (c *Conn) handleChange(ctx context.Context, msg ClientMessage) {
	mc := change.MicroChange{
		BlockID:      msg.BlockID,
		BaseRevision: msg.BaseRevision,
		Op:           msg.Op,
		SessionID:    c.sessionID,
		Seq:          msg.Seq,
	}
	res, err := c.engine.SubmitChange(ctx, c.sessionID, mc)
	if err != nil {
		// 拒绝只回给作者本人，绝不广播
		c.enqueue(RejectedMessage{
			Type:    "REJECTED",
			BlockID: msg.BlockID,
			Seq:     msg.Seq,
			Reason:  rejectReason(err),
		})
		return
	}
	c.enqueue(AcceptedMessage{
		Type:        "ACCEPTED",
		BlockID:     msg.BlockID,
		Seq:         msg.Seq,
		NewRevision: res.NewRevision,
	})
}

func (c *Conn) handleOpenBlock(ctx context.Context, blockID string) {
	if blockID == "" {
		return
	}
	content, rev, err := c.engine.OpenBlock(ctx, c.sessionID, blockID)
	if err != nil {
		c.enqueue(RejectedMessage{Type: "REJECTED", BlockID: blockID, Reason: rejectReason(err)})
		return
	}

	// 订阅这个块派生出的全部频道
	for _, ch := range c.engine.BlockChannels(blockID) {
		c.hub.Subscribe(c, ch)
	}

	c.mu.Lock()
	c.openBlocks[blockID] = struct{}{}
	c.mu.Unlock()

	if c.presence != nil {
		if err := c.presence.AddEditor(ctx, blockID, c.sessionID, c.username, c.presenceTTL); err != nil {
			log.Printf("presence add failed block=%s session=%s: %v", blockID, c.sessionID, err)
		}
	}

	c.enqueue(BlockContentMessage{Type: "BLOCK_OPENED", BlockID: blockID, Revision: rev, Content: content})
}

func (c *Conn) handleCloseBlock(ctx context.Context, blockID string) {
	if blockID == "" {
		return
	}
	c.engine.CloseBlock(c.sessionID, blockID)

	c.mu.Lock()
	delete(c.openBlocks, blockID)
	c.mu.Unlock()

	if c.presence != nil {
		if err := c.presence.RemoveEditor(ctx, blockID, c.sessionID); err != nil {
			log.Printf("presence remove failed block=%s session=%s: %v", blockID, c.sessionID, err)
		}
	}
}

// replaySince 把 fromRevision 之后的已提交变更按版本顺序直接塞进
// 本连接的发送队列（不走频道，只给追平的这一个订阅者）。
func (c *Conn) replaySince(blockID string, fromRevision uint64) {
	for _, e := range c.engine.ChangesSince(blockID, fromRevision) {
		payload := live.ChangePayload{
			Type:            "CHANGE",
			BlockID:         blockID,
			Revision:        e.Revision,
			Op:              e.Change.Op,
			AuthorSessionID: e.Change.SessionID,
			AppliedAt:       e.AppliedAt,
		}
		c.enqueue(live.UpdateEnvelope{Type: "UPDATE", Channel: channel.ForBlock(blockID), Payload: payload})
	}
}

// refreshPresence 给所有打开的块续心跳 TTL。
func (c *Conn) refreshPresence(ctx context.Context) {
	if c.presence == nil {
		return
	}
	c.mu.Lock()
	blocks := make([]string, 0, len(c.openBlocks))
	for b := range c.openBlocks {
		blocks = append(blocks, b)
	}
	c.mu.Unlock()
	for _, b := range blocks {
		if err := c.presence.AddEditor(ctx, b, c.sessionID, c.username, c.presenceTTL); err != nil {
			log.Printf("presence refresh failed block=%s session=%s: %v", b, c.sessionID, err)
		}
	}
}

// cleanupPresence 在拆会话时把所有打开的块的 redis 标记清掉。
// 用独立的短超时 ctx：请求上下文此时多半已经取消了。
func (c *Conn) cleanupPresence() {
	if c.presence == nil {
		return
	}
	c.mu.Lock()
	blocks := make([]string, 0, len(c.openBlocks))
	for b := range c.openBlocks {
		blocks = append(blocks, b)
	}
	c.openBlocks = make(map[string]struct{})
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, b := range blocks {
		if err := c.presence.RemoveEditor(ctx, b, c.sessionID); err != nil {
			log.Printf("presence cleanup failed block=%s session=%s: %v", b, c.sessionID, err)
		}
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.stop()
	}()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// 错误 → 拒绝原因。未知错误按 CONFLICT 处理（客户端 resync 总是安全的）。
func rejectReason(err error) string {
	switch {
	case errors.Is(err, live.ErrAuth):
		return "AUTH"
	case errors.Is(err, live.ErrBusy):
		return "BUSY"
	default:
		return "CONFLICT"
	}
}
