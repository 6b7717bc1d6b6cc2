package live

import (
	"time"

	"liveServer/backend/internal/change"
)

// BlockChangeEvent 是一条已提交变更对外发布的事件形态（Kafka 消息体）。
type BlockChangeEvent struct {
	EventType    string    `json:"eventType"` // 固定 "CHANGE_COMMITTED"
	BlockID      string    `json:"blockId"`
	Revision     uint64    `json:"revision"`
	SessionID    string    `json:"sessionId"`
	Seq          uint64    `json:"sequenceNumber"`
	BaseRevision uint64    `json:"baseRevision"`
	Op           change.Op `json:"op"`
	AppliedAt    time.Time `json:"appliedAt"`
}
