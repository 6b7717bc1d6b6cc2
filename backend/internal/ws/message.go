package ws

import "liveServer/backend/internal/change"

// 客户端→服务端。一种消息结构复用所有类型，按 Type 分发。
type ClientMessage struct {
	Type         string    `json:"type"`
	BlockID      string    `json:"blockId,omitempty"`
	Channel      string    `json:"channel,omitempty"`
	BaseRevision uint64    `json:"baseRevision"`
	Op           change.Op `json:"op"`
	Seq          uint64    `json:"sequenceNumber"`
	// SUBSCRIBE 时带上，服务端回放该版本之后的已提交变更做追平
	LastSeenRevision uint64 `json:"lastSeenRevision,omitempty"`
}

// 以下只发给作者本人，不走频道广播。

type AcceptedMessage struct {
	Type        string `json:"type"` // 固定 "ACCEPTED"
	BlockID     string `json:"blockId"`
	Seq         uint64 `json:"sequenceNumber"`
	NewRevision uint64 `json:"newRevision"`
}

// Reason: "CONFLICT" | "AUTH" | "BUSY"
type RejectedMessage struct {
	Type    string `json:"type"` // 固定 "REJECTED"
	BlockID string `json:"blockId"`
	Seq     uint64 `json:"sequenceNumber"`
	Reason  string `json:"reason"`
}

// RESYNC 应答和 OPEN_BLOCK 应答共用：块的当前内容和版本。
type BlockContentMessage struct {
	Type     string `json:"type"` // "RESYNC" 或 "BLOCK_OPENED"
	BlockID  string `json:"blockId"`
	Revision uint64 `json:"revision"`
	Content  string `json:"content"`
}

type FeedbackMessage struct {
	Type    string `json:"type"` // 固定 "FEEDBACK"
	Content string `json:"content"`
}
