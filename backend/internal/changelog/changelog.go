package changelog

import (
	"errors"
	"sync"
	"time"

	"liveServer/backend/internal/change"
	"liveServer/backend/internal/textbuf"
)

var (
	// 提交的 BaseRevision 与当前版本不一致
	ErrRevisionConflict = errors.New("REVISION_CONFLICT")
	ErrBlockNotFound    = errors.New("BLOCK_NOT_FOUND")
)

// Entry 是一条已提交的微变更以及它产生的版本号。写入后不可变。
type Entry struct {
	Revision  uint64             `json:"revision"`
	Change    change.MicroChange `json:"change"`
	AppliedAt time.Time          `json:"appliedAt"`
}

// 单个块的日志状态。
// revision 恒等于 entries 长度加上日志起点（加载快照时起点可以不为 0）。
type blockLog struct {
	mu       sync.RWMutex
	revision uint64
	base     uint64 // entries[0] 之前已经物化进 buf 的版本数
	entries  []Entry
	buf      textbuf.Buffer
}

// Log 持有所有块的 append-only 变更日志，是块内容历史的唯一事实来源。
// 版本号对每个块都是从 0 开始、无空洞、严格递增的。
type Log struct {
	mu     sync.RWMutex
	blocks map[string]*blockLog
}

func NewLog() *Log {
	return &Log{blocks: make(map[string]*blockLog)}
}

func (l *Log) getOrCreate(blockID string) *blockLog {
	l.mu.RLock()
	bl := l.blocks[blockID]
	l.mu.RUnlock()
	if bl != nil {
		return bl
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if bl = l.blocks[blockID]; bl == nil {
		bl = &blockLog{buf: textbuf.NewPieceTable("")}
		l.blocks[blockID] = bl
	}
	return bl
}

// Seed 用持久化快照初始化一个块（内容 + 已提交版本数）。
// 只允许在块还没有任何日志时调用，否则是无操作。
func (l *Log) Seed(blockID string, revision uint64, content string) {
	bl := l.getOrCreate(blockID)
	bl.mu.Lock()
	defer bl.mu.Unlock()
	if bl.revision != 0 || len(bl.entries) != 0 {
		return
	}
	bl.revision = revision
	bl.base = revision
	bl.buf = textbuf.NewPieceTable(content)
}

// Append 原子地提交一条微变更：校验 BaseRevision、应用到内容缓冲、推进版本。
// 返回新版本号。BaseRevision 不等于当前版本时返回 ErrRevisionConflict
// （调用方先 rebase 再来，这里只做最后一道校验）。
func (l *Log) Append(blockID string, mc change.MicroChange) (uint64, error) {
	bl := l.getOrCreate(blockID)
	bl.mu.Lock()
	defer bl.mu.Unlock()

	if mc.BaseRevision != bl.revision {
		return 0, ErrRevisionConflict
	}

	switch mc.Op.Kind {
	case change.KindInsert:
		bl.buf.Insert(mc.Op.Position, mc.Op.Text)
	case change.KindDelete:
		bl.buf.Delete(mc.Op.Position, mc.Op.Length)
	}

	bl.revision++
	bl.entries = append(bl.entries, Entry{
		Revision:  bl.revision,
		Change:    mc,
		AppliedAt: time.Now(),
	})
	return bl.revision, nil
}

// Read 返回 fromRevision 之后（不含）的全部已提交条目，按版本升序。
// fromRevision 早于日志起点时只能给出内存里仍保留的部分。
func (l *Log) Read(blockID string, fromRevision uint64) []Entry {
	l.mu.RLock()
	bl := l.blocks[blockID]
	l.mu.RUnlock()
	if bl == nil {
		return nil
	}
	bl.mu.RLock()
	defer bl.mu.RUnlock()

	var out []Entry
	for _, e := range bl.entries {
		if e.Revision > fromRevision {
			out = append(out, e)
		}
	}
	return out
}

func (l *Log) CurrentRevision(blockID string) uint64 {
	l.mu.RLock()
	bl := l.blocks[blockID]
	l.mu.RUnlock()
	if bl == nil {
		return 0
	}
	bl.mu.RLock()
	defer bl.mu.RUnlock()
	return bl.revision
}

// Content 返回物化内容和对应版本号。
func (l *Log) Content(blockID string) (string, uint64, error) {
	l.mu.RLock()
	bl := l.blocks[blockID]
	l.mu.RUnlock()
	if bl == nil {
		return "", 0, ErrBlockNotFound
	}
	bl.mu.RLock()
	defer bl.mu.RUnlock()
	return bl.buf.String(), bl.revision, nil
}

// Known 报告块是否已经有内存状态（用于决定是否需要先从存储加载）。
func (l *Log) Known(blockID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.blocks[blockID] != nil
}
