package live

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"liveServer/backend/internal/change"
	"liveServer/backend/internal/changelog"
	"liveServer/backend/internal/channel"
	"liveServer/backend/internal/debounce"
	"liveServer/backend/internal/monitor"
)

var (
	// 变更无法 rebase 到当前版本，客户端需要 resync 后重交
	ErrConflict = errors.New("CONFLICT")
	// 能力检查拒绝，对本次会话动作是致命的
	ErrAuth = errors.New("AUTH_DENIED")
	// 块互斥区在限时内没拿到，客户端稍后重试
	ErrBusy = errors.New("BUSY")
	// 同一 session 的序号回退且与已接受的提交对不上
	ErrDuplicateOrOutOfOrder = errors.New("DUPLICATE_OR_OUT_OF_ORDER")
)

// BlockRecord 是持久化层里一个块的行：内容、版本、实体归属。
type BlockRecord struct {
	BlockID   string
	Revision  uint64
	Content   string
	CardID    string
	ProjectID string
}

// Store 是关系持久化层协作者。引擎只通过它加载块和落库，
// 事务与表结构由实现方负责。
type Store interface {
	// found=false 表示块还不存在（首次编辑时从空内容、版本 0 开始）
	LoadBlock(ctx context.Context, blockID string) (rec BlockRecord, found bool, err error)
	SaveBlock(ctx context.Context, blockID string, revision uint64, content string) error
	AppendChanges(ctx context.Context, blockID string, entries []changelog.Entry) error
}

// Capability 是权限评估协作者，任何写入被接受之前先问它。
type Capability interface {
	CanConnect(ctx context.Context, userID uint64) (bool, error)
	CanEdit(ctx context.Context, userID uint64, blockID string) (bool, error)
}

// Broadcaster 是频道扇出层。引擎只决定“发什么、发到哪、排除谁”，
// 投递语义（至少一次、按频道保序）由实现方保证。
type Broadcaster interface {
	Publish(ch string, payload any, excludeSessionID string)
}

// SnapshotSink 是外部快照接收方（回调/webhook 契约）。推送失败只记日志，
// 不阻塞本地持久化。
type SnapshotSink interface {
	Push(ctx context.Context, blockID string, revision uint64, content string) error
}

// EventSink 接收每条已提交变更的事件（Kafka dispatcher 实现它）。
type EventSink interface {
	Enqueue(ctx context.Context, evt BlockChangeEvent) error
}

type Options struct {
	// debounce 静默窗口
	QuietWindow time.Duration
	// 提交等待块互斥区的上限，超过返回 Busy
	LockTimeout time.Duration
	// flush 协程等锁的上限（比提交宽松，拿不到就重新挂回去）
	FlushLockTimeout time.Duration
	// 持久化重试次数与起始退避
	PersistRetries int
	PersistBackoff time.Duration
	// 空闲监控条目的回收 TTL
	MonitorTTL time.Duration
	// 推送外部快照的超时
	SnapshotTimeout time.Duration
}

func (o *Options) fillDefaults() {
	if o.QuietWindow <= 0 {
		o.QuietWindow = 2 * time.Second
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = 500 * time.Millisecond
	}
	if o.FlushLockTimeout <= 0 {
		o.FlushLockTimeout = 5 * time.Second
	}
	if o.PersistRetries <= 0 {
		o.PersistRetries = 3
	}
	if o.PersistBackoff <= 0 {
		o.PersistBackoff = 100 * time.Millisecond
	}
	if o.MonitorTTL <= 0 {
		o.MonitorTTL = 10 * time.Minute
	}
	if o.SnapshotTimeout <= 0 {
		o.SnapshotTimeout = 3 * time.Second
	}
}

// Accepted 是提交成功的结果：变更被追加进日志后产生的新版本。
type Accepted struct {
	BlockID     string
	NewRevision uint64
	// rebase 之后真正被提交的操作（客户端本地对齐用）
	Op change.Op
}

type acceptedResult struct {
	revision uint64
	// 作者原始提交的块和操作，用于识别“同一条”重交
	blockID      string
	originalOp   change.Op
	originalBase uint64
}

// 每个 session 保留的已接受结果条数。超出窗口的旧序号重交
// 不再幂等重放，按乱序/重复拒绝。
const acceptedHistory = 128

type session struct {
	userID   uint64
	lastSeq  uint64
	accepted map[uint64]acceptedResult
}

// Manager 是实时同步引擎的编排器：注册会话、接收微变更、对变更日志做
// 校验/rebase、驱动 debounce 持久化，并把已接受的变更交给广播层。
// 变更日志和监控条目只归它管，其他组件只读快照或接收既成事实。
type Manager struct {
	opts Options

	logbook *changelog.Log
	deb     *debounce.Debouncer
	mon     *monitor.Monitor
	locks   *BlockLocks

	store  Store
	caps   Capability
	bcast  Broadcaster
	sink   SnapshotSink
	events EventSink

	mu        sync.Mutex
	sessions  map[string]*session
	refs      map[string]channel.BlockRef
	lastSaved map[string]uint64
}

func NewManager(store Store, caps Capability, bcast Broadcaster, sink SnapshotSink, events EventSink, opts Options) *Manager {
	opts.fillDefaults()
	m := &Manager{
		opts:      opts,
		logbook:   changelog.NewLog(),
		deb:       debounce.New(opts.QuietWindow),
		locks:     NewBlockLocks(),
		store:     store,
		caps:      caps,
		bcast:     bcast,
		sink:      sink,
		events:    events,
		sessions:  make(map[string]*session),
		refs:      make(map[string]channel.BlockRef),
		lastSaved: make(map[string]uint64),
	}
	m.mon = monitor.New(opts.MonitorTTL, m.onStatus)
	return m
}

// RegisterSession 建立会话。能力检查拒绝时返回 ErrAuth，会话不建立。
func (m *Manager) RegisterSession(ctx context.Context, sessionID string, userID uint64) error {
	ok, err := m.caps.CanConnect(ctx, userID)
	if err != nil {
		return fmt.Errorf("capability check: %w", err)
	}
	if !ok {
		return ErrAuth
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[sessionID]; !exists {
		m.sessions[sessionID] = &session{
			userID:   userID,
			accepted: make(map[uint64]acceptedResult),
		}
	}
	return nil
}

// UnregisterSession 拆掉会话：从它参与的所有监控条目里移除。
// 不强制提前 flush——debounce 自己的静默窗口照常生效。
func (m *Manager) UnregisterSession(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	m.mon.SessionGone(sessionID)
}

// SubmitChange 是提交主链路。流程：
// 校验会话与能力 → 拿块互斥区 → 序号去重（含幂等重放）→
// 按需 rebase → 追加日志 → 挂 debounce → 通知监控 → 广播（排除作者）。
func (m *Manager) SubmitChange(ctx context.Context, sessionID string, mc change.MicroChange) (Accepted, error) {
	m.mu.Lock()
	s := m.sessions[sessionID]
	m.mu.Unlock()
	if s == nil {
		return Accepted{}, ErrAuth
	}
	if !mc.Op.Valid() {
		return Accepted{}, fmt.Errorf("invalid op: %w", ErrConflict)
	}

	ok, err := m.caps.CanEdit(ctx, s.userID, mc.BlockID)
	if err != nil {
		return Accepted{}, fmt.Errorf("capability check: %w", err)
	}
	if !ok {
		return Accepted{}, ErrAuth
	}

	lockCtx, cancel := context.WithTimeout(ctx, m.opts.LockTimeout)
	defer cancel()
	if err := m.locks.Acquire(lockCtx, mc.BlockID); err != nil {
		return Accepted{}, err
	}
	defer m.locks.Release(mc.BlockID)

	ref, err := m.ensureLoaded(ctx, mc.BlockID)
	if err != nil {
		return Accepted{}, err
	}

	// 序号去重。重交一条已接受的 (session, seq) 且块、操作、base 全部
	// 一致时幂等返回原结果，不重复追加；对不上就是真正的乱序/重复。
	m.mu.Lock()
	if mc.Seq <= s.lastSeq {
		res, seen := s.accepted[mc.Seq]
		m.mu.Unlock()
		if seen && res.blockID == mc.BlockID && res.originalOp == mc.Op && res.originalBase == mc.BaseRevision {
			return Accepted{BlockID: mc.BlockID, NewRevision: res.revision, Op: res.originalOp}, nil
		}
		return Accepted{}, ErrDuplicateOrOutOfOrder
	}
	m.mu.Unlock()

	current := m.logbook.CurrentRevision(mc.BlockID)
	if mc.BaseRevision > current {
		// 客户端声称见过未来的版本，只能 resync
		return Accepted{}, fmt.Errorf("base revision %d ahead of %d: %w", mc.BaseRevision, current, ErrConflict)
	}

	op := mc.Op
	if mc.BaseRevision < current {
		committed := m.logbook.Read(mc.BlockID, mc.BaseRevision)
		ops := make([]change.Op, len(committed))
		for i, e := range committed {
			ops[i] = e.Change.Op
		}
		op, err = change.RebaseAll(op, ops)
		if err != nil {
			return Accepted{}, fmt.Errorf("rebase rev %d -> %d: %w", mc.BaseRevision, current, ErrConflict)
		}
	}

	commit := mc
	commit.Op = op
	commit.BaseRevision = current
	rev, err := m.logbook.Append(mc.BlockID, commit)
	if err != nil {
		return Accepted{}, fmt.Errorf("append: %w", err)
	}

	m.mu.Lock()
	s.lastSeq = mc.Seq
	s.accepted[mc.Seq] = acceptedResult{
		revision:     rev,
		blockID:      mc.BlockID,
		originalOp:   mc.Op,
		originalBase: mc.BaseRevision,
	}
	// 滑动窗口：长寿会话不能把每个 seq 都留一辈子
	for seq := range s.accepted {
		if seq+acceptedHistory <= mc.Seq {
			delete(s.accepted, seq)
		}
	}
	m.mu.Unlock()

	m.mon.ChangeAccepted(mc.BlockID, sessionID)
	blockID := mc.BlockID
	m.deb.Arm(blockID, func() { m.flush(blockID) })

	payload := ChangePayload{
		Type:            "CHANGE",
		BlockID:         mc.BlockID,
		Revision:        rev,
		Op:              op,
		AuthorSessionID: sessionID,
		AppliedAt:       time.Now(),
	}
	for _, ch := range channel.ForBlockRef(ref) {
		m.bcast.Publish(ch, envelope(ch, payload), sessionID)
	}

	if m.events != nil {
		evtCtx, evtCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		err := m.events.Enqueue(evtCtx, BlockChangeEvent{
			EventType:    "CHANGE_COMMITTED",
			BlockID:      mc.BlockID,
			Revision:     rev,
			SessionID:    sessionID,
			Seq:          mc.Seq,
			BaseRevision: mc.BaseRevision,
			Op:           op,
			AppliedAt:    time.Now(),
		})
		evtCancel()
		if err != nil {
			log.Printf("event enqueue dropped block=%s rev=%d err=%v", mc.BlockID, rev, err)
		}
	}

	return Accepted{BlockID: mc.BlockID, NewRevision: rev, Op: op}, nil
}

// OpenBlock：session 对块表明编辑意图，返回当前内容和版本供客户端对齐。
func (m *Manager) OpenBlock(ctx context.Context, sessionID, blockID string) (string, uint64, error) {
	m.mu.Lock()
	s := m.sessions[sessionID]
	m.mu.Unlock()
	if s == nil {
		return "", 0, ErrAuth
	}
	ok, err := m.caps.CanEdit(ctx, s.userID, blockID)
	if err != nil {
		return "", 0, fmt.Errorf("capability check: %w", err)
	}
	if !ok {
		return "", 0, ErrAuth
	}

	lockCtx, cancel := context.WithTimeout(ctx, m.opts.LockTimeout)
	defer cancel()
	if err := m.locks.Acquire(lockCtx, blockID); err != nil {
		return "", 0, err
	}
	if _, err := m.ensureLoaded(ctx, blockID); err != nil {
		m.locks.Release(blockID)
		return "", 0, err
	}
	content, rev, err := m.logbook.Content(blockID)
	m.locks.Release(blockID)
	if err != nil {
		return "", 0, err
	}

	m.mon.SessionOpened(blockID, sessionID)
	return content, rev, nil
}

// CloseBlock：session 离开编辑态。块上没有待持久化状态时顺手取消 debounce。
func (m *Manager) CloseBlock(sessionID, blockID string) {
	m.mon.SessionClosed(blockID, sessionID)
	if st := m.mon.Snapshot(blockID); !st.HasPendingFlush && !st.HasLiveEditors {
		m.deb.Cancel(blockID)
	}
}

// Resync 返回块的当前内容和版本（冲突后客户端重新同步用）。
func (m *Manager) Resync(ctx context.Context, blockID string) (string, uint64, error) {
	lockCtx, cancel := context.WithTimeout(ctx, m.opts.LockTimeout)
	defer cancel()
	if err := m.locks.Acquire(lockCtx, blockID); err != nil {
		return "", 0, err
	}
	defer m.locks.Release(blockID)
	if _, err := m.ensureLoaded(ctx, blockID); err != nil {
		return "", 0, err
	}
	return m.logbook.Content(blockID)
}

// ChangesSince 返回某版本之后的已提交条目（订阅时追平用）。
func (m *Manager) ChangesSince(blockID string, fromRevision uint64) []changelog.Entry {
	return m.logbook.Read(blockID, fromRevision)
}

// BlockChannels 返回某块的广播频道集合。
func (m *Manager) BlockChannels(blockID string) []string {
	m.mu.Lock()
	ref, ok := m.refs[blockID]
	m.mu.Unlock()
	if !ok {
		ref = channel.BlockRef{BlockID: blockID}
	}
	return channel.ForBlockRef(ref)
}

// ensureLoaded 保证块的内存状态已经从持久化层初始化。
// 调用方必须已持有块互斥区。
func (m *Manager) ensureLoaded(ctx context.Context, blockID string) (channel.BlockRef, error) {
	m.mu.Lock()
	ref, known := m.refs[blockID]
	m.mu.Unlock()
	if known && m.logbook.Known(blockID) {
		return ref, nil
	}

	rec, found, err := m.store.LoadBlock(ctx, blockID)
	if err != nil {
		return channel.BlockRef{}, fmt.Errorf("load block %s: %w", blockID, err)
	}
	ref = channel.BlockRef{BlockID: blockID}
	if found {
		m.logbook.Seed(blockID, rec.Revision, rec.Content)
		ref.CardID = rec.CardID
		ref.ProjectID = rec.ProjectID
	}

	m.mu.Lock()
	m.refs[blockID] = ref
	if _, ok := m.lastSaved[blockID]; !ok {
		m.lastSaved[blockID] = rec.Revision
	}
	m.mu.Unlock()
	return ref, nil
}

// flush 是 debounce 到期后的落库动作。只在快照待持久化内容时短暂持有
// 互斥区，存储 I/O 全程不持锁，写完再更新已保存水位。
func (m *Manager) flush(blockID string) {
	lockCtx, cancel := context.WithTimeout(context.Background(), m.opts.FlushLockTimeout)
	err := m.locks.Acquire(lockCtx, blockID)
	cancel()
	if err != nil {
		// 拿不到锁不能把数据弄丢，把 flush 重新挂回去
		m.deb.Arm(blockID, func() { m.flush(blockID) })
		return
	}

	content, rev, cErr := m.logbook.Content(blockID)
	m.mu.Lock()
	saved := m.lastSaved[blockID]
	m.mu.Unlock()
	pending := m.logbook.Read(blockID, saved)
	m.locks.Release(blockID)

	if cErr != nil {
		log.Printf("flush: no state for block=%s: %v", blockID, cErr)
		return
	}
	if rev == saved {
		m.mon.FlushDone(blockID, true)
		return
	}

	wasUnsaved := m.mon.Snapshot(blockID).Unsaved

	if err := m.persistWithRetry(blockID, rev, content, pending); err != nil {
		log.Printf("flush failed after retries block=%s rev=%d err=%v", blockID, rev, err)
		m.mon.FlushDone(blockID, false)
		m.publishBlockStatus(blockID, true)
		// 重新挂起，保证就算没有新的编辑也会再试
		m.deb.Arm(blockID, func() { m.flush(blockID) })
		m.mon.FlushArmed(blockID)
		return
	}

	m.mu.Lock()
	if m.lastSaved[blockID] < rev {
		m.lastSaved[blockID] = rev
	}
	m.mu.Unlock()
	m.mon.FlushDone(blockID, true)
	if wasUnsaved {
		m.publishBlockStatus(blockID, false)
	}

	if m.sink != nil {
		sinkCtx, sinkCancel := context.WithTimeout(context.Background(), m.opts.SnapshotTimeout)
		if err := m.sink.Push(sinkCtx, blockID, rev, content); err != nil {
			log.Printf("snapshot push failed block=%s rev=%d err=%v", blockID, rev, err)
		}
		sinkCancel()
	}
}

func (m *Manager) persistWithRetry(blockID string, rev uint64, content string, pending []changelog.Entry) error {
	var err error
	for attempt := 0; attempt < m.opts.PersistRetries; attempt++ {
		if attempt > 0 {
			backoff := m.opts.PersistBackoff * time.Duration(1<<(attempt-1))
			time.Sleep(backoff)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = m.store.AppendChanges(ctx, blockID, pending)
		if err == nil {
			err = m.store.SaveBlock(ctx, blockID, rev, content)
		}
		cancel()
		if err == nil {
			return nil
		}
	}
	return err
}

func (m *Manager) publishBlockStatus(blockID string, unsaved bool) {
	payload := BlockStatusPayload{Type: "BLOCK_STATUS", BlockID: blockID, Unsaved: unsaved}
	ch := channel.ForBlock(blockID)
	m.bcast.Publish(ch, envelope(ch, payload), "")
}

// 监控状态迁移 → presence 广播（块频道，不排除任何人）。
func (m *Manager) onStatus(st monitor.Status) {
	payload := PresencePayload{
		Type:            "PRESENCE",
		BlockID:         st.BlockID,
		EditingSessions: st.EditingSessions,
	}
	ch := channel.ForBlock(st.BlockID)
	m.bcast.Publish(ch, envelope(ch, payload), "")
}

// Close 优雅收尾：并行冲掉所有挂着的 debounce，再停监控。
// 事件 dispatcher 的关闭由持有方（main）负责。
func (m *Manager) Close(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, key := range m.deb.Keys() {
		key := key
		g.Go(func() error {
			m.deb.FlushNow(key)
			return nil
		})
	}
	err := g.Wait()
	m.mon.Stop()
	return err
}
