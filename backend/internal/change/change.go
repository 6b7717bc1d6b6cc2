package change

// 微变更操作类型
type Kind string

const (
	KindInsert Kind = "INSERT"
	KindDelete Kind = "DELETE"
)

// Op 是一次原子编辑：INSERT 带 Position+Text，DELETE 带 Position+Length。
// 位置以 rune 计，不是字节。
type Op struct {
	Kind     Kind   `json:"kind"`
	Position int    `json:"position"`
	Text     string `json:"text,omitempty"`   // INSERT 的文本
	Length   int    `json:"length,omitempty"` // DELETE 的长度
}

// MicroChange 是客户端每次按键产生的一条微变更。
// BaseRevision 是作者创建该变更时看到的版本。
// Seq 是同一 session 内单调递增的本地序号，用于去重/检测乱序。
type MicroChange struct {
	BlockID      string `json:"blockId"`
	BaseRevision uint64 `json:"baseRevision"`
	Op           Op     `json:"op"`
	SessionID    string `json:"sessionId"`
	Seq          uint64 `json:"sequenceNumber"`
}

// InsertLen 返回 INSERT 文本的 rune 长度（DELETE 返回 0）。
func (op Op) InsertLen() int {
	if op.Kind != KindInsert {
		return 0
	}
	return len([]rune(op.Text))
}

// Valid 做最基本的形状校验，非法的操作在进入引擎前就被拒绝。
func (op Op) Valid() bool {
	if op.Position < 0 {
		return false
	}
	switch op.Kind {
	case KindInsert:
		return op.Text != ""
	case KindDelete:
		return op.Length > 0
	default:
		return false
	}
}
