package monitor

import (
	"sort"
	"sync"
	"time"
)

// Status 是某个块监控状态的一份快照，每次状态迁移都会发给监听者，
// 由广播层转成 presence / 状态消息推给前端。
type Status struct {
	BlockID         string
	EditingSessions []string
	HasLiveEditors  bool
	HasPendingFlush bool
	Unsaved         bool
}

// Listener 在每次状态迁移后被调用（持锁之外）。
type Listener func(Status)

type blockEntry struct {
	editing      map[string]struct{}
	pendingFlush bool
	unsaved      bool
	lastActivity time.Time
}

// Monitor 跟踪每个块上正在编辑的 session 和存活/空闲状态。
// 条目在第一次编辑时惰性创建，空闲超过 ttl 后由后台清扫协程回收，
// 防止长生命周期进程里无限增长。
type Monitor struct {
	mu       sync.Mutex
	blocks   map[string]*blockEntry
	sessions map[string]map[string]struct{} // sessionID -> 它正在编辑的块集合
	ttl      time.Duration
	listener Listener

	stopOnce sync.Once
	stop     chan struct{}
}

func New(ttl time.Duration, listener Listener) *Monitor {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	m := &Monitor{
		blocks:   make(map[string]*blockEntry),
		sessions: make(map[string]map[string]struct{}),
		ttl:      ttl,
		listener: listener,
		stop:     make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

func (m *Monitor) getOrCreate(blockID string) *blockEntry {
	e := m.blocks[blockID]
	if e == nil {
		e = &blockEntry{editing: make(map[string]struct{})}
		m.blocks[blockID] = e
	}
	return e
}

// SessionOpened：session 进入某块的编辑态。
func (m *Monitor) SessionOpened(blockID, sessionID string) {
	m.mu.Lock()
	e := m.getOrCreate(blockID)
	e.editing[sessionID] = struct{}{}
	e.lastActivity = time.Now()
	if m.sessions[sessionID] == nil {
		m.sessions[sessionID] = make(map[string]struct{})
	}
	m.sessions[sessionID][blockID] = struct{}{}
	st := m.snapshotLocked(blockID, e)
	m.mu.Unlock()
	m.emit(st)
}

// SessionClosed：session 离开某块的编辑态。
func (m *Monitor) SessionClosed(blockID, sessionID string) {
	m.mu.Lock()
	e := m.blocks[blockID]
	if e == nil {
		m.mu.Unlock()
		return
	}
	delete(e.editing, sessionID)
	e.lastActivity = time.Now()
	if s := m.sessions[sessionID]; s != nil {
		delete(s, blockID)
		if len(s) == 0 {
			delete(m.sessions, sessionID)
		}
	}
	st := m.snapshotLocked(blockID, e)
	m.mu.Unlock()
	m.emit(st)
}

// SessionGone：session 断连，从它参与的所有块里移除。
// 返回受影响的块，调用方据此广播 presence 变化。
func (m *Monitor) SessionGone(sessionID string) []Status {
	m.mu.Lock()
	blockIDs := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	var out []Status
	for blockID := range blockIDs {
		e := m.blocks[blockID]
		if e == nil {
			continue
		}
		delete(e.editing, sessionID)
		e.lastActivity = time.Now()
		out = append(out, m.snapshotLocked(blockID, e))
	}
	m.mu.Unlock()
	for _, st := range out {
		m.emit(st)
	}
	return out
}

// ChangeAccepted：块上有变更被接受，持久化 flush 已挂起。
func (m *Monitor) ChangeAccepted(blockID, sessionID string) {
	m.mu.Lock()
	e := m.getOrCreate(blockID)
	e.editing[sessionID] = struct{}{}
	e.pendingFlush = true
	e.lastActivity = time.Now()
	if m.sessions[sessionID] == nil {
		m.sessions[sessionID] = make(map[string]struct{})
	}
	m.sessions[sessionID][blockID] = struct{}{}
	st := m.snapshotLocked(blockID, e)
	m.mu.Unlock()
	m.emit(st)
}

// FlushDone：debounce 的落库动作执行完毕。ok=false 表示重试耗尽，
// 块进入 unsaved 降级状态，直到下一次成功的 flush 清除。
func (m *Monitor) FlushDone(blockID string, ok bool) {
	m.mu.Lock()
	e := m.blocks[blockID]
	if e == nil {
		m.mu.Unlock()
		return
	}
	e.pendingFlush = false
	e.unsaved = !ok
	e.lastActivity = time.Now()
	st := m.snapshotLocked(blockID, e)
	m.mu.Unlock()
	m.emit(st)
}

// FlushArmed：重新挂起 flush（持久化失败后补挂时用）。
func (m *Monitor) FlushArmed(blockID string) {
	m.mu.Lock()
	e := m.getOrCreate(blockID)
	e.pendingFlush = true
	e.lastActivity = time.Now()
	m.mu.Unlock()
}

func (m *Monitor) Snapshot(blockID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.blocks[blockID]
	if e == nil {
		return Status{BlockID: blockID}
	}
	return m.snapshotLocked(blockID, e)
}

func (m *Monitor) EditingSessions(blockID string) []string {
	return m.Snapshot(blockID).EditingSessions
}

func (m *Monitor) snapshotLocked(blockID string, e *blockEntry) Status {
	sessions := make([]string, 0, len(e.editing))
	for s := range e.editing {
		sessions = append(sessions, s)
	}
	sort.Strings(sessions)
	return Status{
		BlockID:         blockID,
		EditingSessions: sessions,
		HasLiveEditors:  len(e.editing) > 0,
		HasPendingFlush: e.pendingFlush,
		Unsaved:         e.unsaved,
	}
}

func (m *Monitor) emit(st Status) {
	if m.listener != nil {
		m.listener(st)
	}
}

func (m *Monitor) sweepLoop() {
	interval := m.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-t.C:
			m.sweep(now)
		}
	}
}

// 回收空闲条目：没有编辑者、没有挂起的 flush、最后活动早于 ttl。
// unsaved 的块不回收，降级状态要一直保留到有人成功落库。
func (m *Monitor) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for blockID, e := range m.blocks {
		if len(e.editing) == 0 && !e.pendingFlush && !e.unsaved &&
			now.Sub(e.lastActivity) > m.ttl {
			delete(m.blocks, blockID)
		}
	}
}

// Tracked 报告块是否仍有监控条目（测试和清扫验证用）。
func (m *Monitor) Tracked(blockID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocks[blockID] != nil
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}
