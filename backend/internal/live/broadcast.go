package live

import (
	"time"

	"liveServer/backend/internal/change"
)

// 服务端→客户端的广播信封。所有经由频道扇出的消息都包在这一层里，
// payload 自带自己的 type 字段。
type UpdateEnvelope struct {
	Type    string `json:"type"` // 固定 "UPDATE"
	Channel string `json:"channel"`
	Payload any    `json:"payload"`
}

// 一条已接受的变更，推给块频道里除作者以外的所有订阅者。
type ChangePayload struct {
	Type            string    `json:"type"` // 固定 "CHANGE"
	BlockID         string    `json:"blockId"`
	Revision        uint64    `json:"revision"`
	Op              change.Op `json:"op"`
	AuthorSessionID string    `json:"authorSessionId"`
	AppliedAt       time.Time `json:"appliedAt"`
}

// 监控状态迁移产生的 presence 事件（谁在编辑）。
type PresencePayload struct {
	Type            string   `json:"type"` // 固定 "PRESENCE"
	BlockID         string   `json:"blockId"`
	EditingSessions []string `json:"editingSessions"`
}

// 持久化降级状态：unsaved=true 表示重试耗尽后仍有未落库的已接受变更。
type BlockStatusPayload struct {
	Type    string `json:"type"` // 固定 "BLOCK_STATUS"
	BlockID string `json:"blockId"`
	Unsaved bool   `json:"unsaved"`
}

func envelope(ch string, payload any) UpdateEnvelope {
	return UpdateEnvelope{Type: "UPDATE", Channel: ch, Payload: payload}
}
