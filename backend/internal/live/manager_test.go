package live

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"liveServer/backend/internal/change"
	"liveServer/backend/internal/changelog"
	"liveServer/backend/internal/channel"
)

// ==== 测试替身 ====

type memStore struct {
	mu       sync.Mutex
	failing  bool
	saves    int
	appends  int
	lastRev  uint64
	lastText string
	rows     map[string]BlockRecord
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]BlockRecord)}
}

func (s *memStore) LoadBlock(ctx context.Context, blockID string) (BlockRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[blockID]
	return rec, ok, nil
}

func (s *memStore) SaveBlock(ctx context.Context, blockID string, revision uint64, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("db down")
	}
	s.saves++
	s.lastRev = revision
	s.lastText = content
	return nil
}

func (s *memStore) AppendChanges(ctx context.Context, blockID string, entries []changelog.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("db down")
	}
	s.appends += len(entries)
	return nil
}

func (s *memStore) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

type allowAll struct{}

func (allowAll) CanConnect(ctx context.Context, userID uint64) (bool, error) { return true, nil }
func (allowAll) CanEdit(ctx context.Context, userID uint64, blockID string) (bool, error) {
	return true, nil
}

type denyAll struct{}

func (denyAll) CanConnect(ctx context.Context, userID uint64) (bool, error) { return false, nil }
func (denyAll) CanEdit(ctx context.Context, userID uint64, blockID string) (bool, error) {
	return false, nil
}

type published struct {
	channel string
	payload any
	exclude string
}

type recBroadcaster struct {
	mu   sync.Mutex
	msgs []published
}

func (b *recBroadcaster) Publish(ch string, payload any, excludeSessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, published{channel: ch, payload: payload, exclude: excludeSessionID})
}

// 只取 CHANGE 广播（presence / 状态事件混在同一个流里）
func (b *recBroadcaster) changes() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []published
	for _, m := range b.msgs {
		env, ok := m.payload.(UpdateEnvelope)
		if !ok {
			continue
		}
		if _, ok := env.Payload.(ChangePayload); ok {
			out = append(out, m)
		}
	}
	return out
}

func (b *recBroadcaster) statuses() []BlockStatusPayload {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []BlockStatusPayload
	for _, m := range b.msgs {
		if env, ok := m.payload.(UpdateEnvelope); ok {
			if st, ok := env.Payload.(BlockStatusPayload); ok {
				out = append(out, st)
			}
		}
	}
	return out
}

func testOptions() Options {
	return Options{
		QuietWindow:      50 * time.Millisecond,
		LockTimeout:      200 * time.Millisecond,
		FlushLockTimeout: time.Second,
		PersistRetries:   2,
		PersistBackoff:   5 * time.Millisecond,
		MonitorTTL:       time.Minute,
	}
}

func newTestManager(t *testing.T, store Store, caps Capability) (*Manager, *recBroadcaster) {
	t.Helper()
	b := &recBroadcaster{}
	m := NewManager(store, caps, b, nil, nil, testOptions())
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, b
}

func register(t *testing.T, m *Manager, sessionID string, userID uint64) {
	t.Helper()
	if err := m.RegisterSession(context.Background(), sessionID, userID); err != nil {
		t.Fatalf("RegisterSession(%s) error = %v", sessionID, err)
	}
}

func insert(blockID, sessionID string, seq, base uint64, pos int, text string) change.MicroChange {
	return change.MicroChange{
		BlockID:      blockID,
		BaseRevision: base,
		SessionID:    sessionID,
		Seq:          seq,
		Op:           change.Op{Kind: change.KindInsert, Position: pos, Text: text},
	}
}

func del(blockID, sessionID string, seq, base uint64, pos, length int) change.MicroChange {
	return change.MicroChange{
		BlockID:      blockID,
		BaseRevision: base,
		SessionID:    sessionID,
		Seq:          seq,
		Op:           change.Op{Kind: change.KindDelete, Position: pos, Length: length},
	}
}

// ==== 用例 ====

func TestSubmit_OrderedRevisions(t *testing.T) {
	m, _ := newTestManager(t, newMemStore(), allowAll{})
	register(t, m, "sA", 1)
	ctx := context.Background()

	texts := []string{"a", "b", "c"}
	for i, s := range texts {
		res, err := m.SubmitChange(ctx, "sA", insert("b1", "sA", uint64(i+1), uint64(i), i, s))
		if err != nil {
			t.Fatalf("submit %d error = %v", i, err)
		}
		if res.NewRevision != uint64(i+1) {
			t.Fatalf("revision = %d, want %d", res.NewRevision, i+1)
		}
	}

	content, rev, err := m.Resync(ctx, "b1")
	if err != nil {
		t.Fatalf("Resync error = %v", err)
	}
	if rev != 3 || content != "abc" {
		t.Fatalf("content,rev = %q,%d, want abc,3", content, rev)
	}
}

// 两个会话都基于版本 0 在位置 0 插入，后来的被 rebase，
// 平局规则保持提交顺序，最终 "Yo Hi"，两条都不能丢。
func TestSubmit_ConcurrentInsertsBothLand(t *testing.T) {
	m, _ := newTestManager(t, newMemStore(), allowAll{})
	register(t, m, "sA", 1)
	register(t, m, "sB", 2)
	ctx := context.Background()

	resA, err := m.SubmitChange(ctx, "sA", insert("b1", "sA", 1, 0, 0, "Hi"))
	if err != nil {
		t.Fatalf("A submit error = %v", err)
	}
	if resA.NewRevision != 1 {
		t.Fatalf("A revision = %d, want 1", resA.NewRevision)
	}

	resB, err := m.SubmitChange(ctx, "sB", insert("b1", "sB", 1, 0, 0, "Yo "))
	if err != nil {
		t.Fatalf("B submit error = %v", err)
	}
	if resB.NewRevision != 2 {
		t.Fatalf("B revision = %d, want 2", resB.NewRevision)
	}

	content, _, err := m.Resync(ctx, "b1")
	if err != nil {
		t.Fatalf("Resync error = %v", err)
	}
	if content != "Yo Hi" {
		t.Fatalf("content = %q, want %q", content, "Yo Hi")
	}
}

func TestSubmit_DisjointConcurrentEditsNoLostUpdate(t *testing.T) {
	m, _ := newTestManager(t, newMemStore(), allowAll{})
	register(t, m, "sA", 1)
	register(t, m, "sB", 2)
	ctx := context.Background()

	if _, err := m.SubmitChange(ctx, "sA", insert("b1", "sA", 1, 0, 0, "abcdef")); err != nil {
		t.Fatalf("seed error = %v", err)
	}

	// 两个不相交的并发编辑，同一个 base
	if _, err := m.SubmitChange(ctx, "sA", del("b1", "sA", 2, 1, 0, 2)); err != nil {
		t.Fatalf("A delete error = %v", err)
	}
	if _, err := m.SubmitChange(ctx, "sB", insert("b1", "sB", 1, 1, 6, "!")); err != nil {
		t.Fatalf("B insert error = %v", err)
	}

	content, _, _ := m.Resync(ctx, "b1")
	if content != "cdef!" {
		t.Fatalf("content = %q, want %q", content, "cdef!")
	}
}

// DELETE 的目标区间已被之前的提交整体删除 → CONFLICT，
// resync 后重交不崩、不损坏数据。
func TestSubmit_DeletedRangeConflictThenResync(t *testing.T) {
	m, _ := newTestManager(t, newMemStore(), allowAll{})
	register(t, m, "sA", 1)
	register(t, m, "sB", 2)
	ctx := context.Background()

	if _, err := m.SubmitChange(ctx, "sA", insert("b1", "sA", 1, 0, 0, "abcdef")); err != nil {
		t.Fatalf("seed error = %v", err)
	}
	if _, err := m.SubmitChange(ctx, "sA", del("b1", "sA", 2, 1, 1, 4)); err != nil {
		t.Fatalf("A delete error = %v", err)
	}

	// B 基于版本 1 想删 [2,4)，但这段已经没了
	_, err := m.SubmitChange(ctx, "sB", del("b1", "sB", 1, 1, 2, 2))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	// resync 后基于当前版本重交
	content, rev, err := m.Resync(ctx, "b1")
	if err != nil {
		t.Fatalf("Resync error = %v", err)
	}
	if content != "af" {
		t.Fatalf("content = %q, want %q", content, "af")
	}
	if _, err := m.SubmitChange(ctx, "sB", del("b1", "sB", 2, rev, 0, 1)); err != nil {
		t.Fatalf("resubmit error = %v", err)
	}
	content, _, _ = m.Resync(ctx, "b1")
	if content != "f" {
		t.Fatalf("content = %q, want %q", content, "f")
	}
}

func TestSubmit_IdempotentResubmission(t *testing.T) {
	m, _ := newTestManager(t, newMemStore(), allowAll{})
	register(t, m, "s5", 1)
	ctx := context.Background()

	mc := insert("b1", "s5", 9, 0, 0, "Hi")
	first, err := m.SubmitChange(ctx, "s5", mc)
	if err != nil {
		t.Fatalf("first submit error = %v", err)
	}
	second, err := m.SubmitChange(ctx, "s5", mc)
	if err != nil {
		t.Fatalf("resubmit error = %v", err)
	}
	if first.NewRevision != second.NewRevision {
		t.Fatalf("revisions differ: %d vs %d", first.NewRevision, second.NewRevision)
	}

	// 日志只追加了一次
	if got := len(m.ChangesSince("b1", 0)); got != 1 {
		t.Fatalf("log entries = %d, want 1", got)
	}
}

// 同一个 (session, seq) 带着同样的操作却指向另一个块：这不是重放，
// 必须拒绝，更不能拿别的块的版本号编造结果。
func TestSubmit_ReplayAgainstDifferentBlockRejected(t *testing.T) {
	m, _ := newTestManager(t, newMemStore(), allowAll{})
	register(t, m, "s1", 1)
	ctx := context.Background()

	if _, err := m.SubmitChange(ctx, "s1", insert("b1", "s1", 9, 0, 0, "Hi")); err != nil {
		t.Fatalf("submit error = %v", err)
	}

	_, err := m.SubmitChange(ctx, "s1", insert("b2", "s1", 9, 0, 0, "Hi"))
	if !errors.Is(err, ErrDuplicateOrOutOfOrder) {
		t.Fatalf("err = %v, want ErrDuplicateOrOutOfOrder", err)
	}
	if got := len(m.ChangesSince("b2", 0)); got != 0 {
		t.Fatalf("b2 log entries = %d, want 0", got)
	}
}

func TestSubmit_AcceptedHistoryBounded(t *testing.T) {
	m, _ := newTestManager(t, newMemStore(), allowAll{})
	register(t, m, "sA", 1)
	ctx := context.Background()

	n := acceptedHistory + 20
	for i := 0; i < n; i++ {
		if _, err := m.SubmitChange(ctx, "sA", insert("b1", "sA", uint64(i+1), uint64(i), 0, "x")); err != nil {
			t.Fatalf("submit %d error = %v", i, err)
		}
	}

	m.mu.Lock()
	kept := len(m.sessions["sA"].accepted)
	m.mu.Unlock()
	if kept > acceptedHistory {
		t.Fatalf("accepted history = %d, want <= %d", kept, acceptedHistory)
	}

	// 窗口外的旧序号重交按乱序拒绝，不再幂等重放
	_, err := m.SubmitChange(ctx, "sA", insert("b1", "sA", 1, 0, 0, "x"))
	if !errors.Is(err, ErrDuplicateOrOutOfOrder) {
		t.Fatalf("err = %v, want ErrDuplicateOrOutOfOrder", err)
	}
}

func TestSubmit_SeqRegressionWithDifferentPayloadRejected(t *testing.T) {
	m, _ := newTestManager(t, newMemStore(), allowAll{})
	register(t, m, "sA", 1)
	ctx := context.Background()

	if _, err := m.SubmitChange(ctx, "sA", insert("b1", "sA", 2, 0, 0, "x")); err != nil {
		t.Fatalf("submit error = %v", err)
	}
	_, err := m.SubmitChange(ctx, "sA", insert("b1", "sA", 1, 1, 0, "y"))
	if !errors.Is(err, ErrDuplicateOrOutOfOrder) {
		t.Fatalf("err = %v, want ErrDuplicateOrOutOfOrder", err)
	}
}

func TestSubmit_EchoSuppression(t *testing.T) {
	m, b := newTestManager(t, newMemStore(), allowAll{})
	register(t, m, "sA", 1)
	ctx := context.Background()

	if _, err := m.SubmitChange(ctx, "sA", insert("b1", "sA", 1, 0, 0, "Hi")); err != nil {
		t.Fatalf("submit error = %v", err)
	}

	changes := b.changes()
	if len(changes) == 0 {
		t.Fatal("no CHANGE broadcast recorded")
	}
	for _, msg := range changes {
		if msg.exclude != "sA" {
			t.Fatalf("broadcast on %s does not exclude the author: %+v", msg.channel, msg)
		}
	}
}

func TestSubmit_BroadcastOrderPerChannel(t *testing.T) {
	m, b := newTestManager(t, newMemStore(), allowAll{})
	register(t, m, "sA", 1)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := m.SubmitChange(ctx, "sA", insert("b1", "sA", uint64(i+1), uint64(i), i, "x")); err != nil {
			t.Fatalf("submit %d error = %v", i, err)
		}
	}

	var last uint64
	for _, msg := range b.changes() {
		if msg.channel != channel.ForBlock("b1") {
			continue
		}
		p := msg.payload.(UpdateEnvelope).Payload.(ChangePayload)
		if p.Revision <= last {
			t.Fatalf("broadcast out of order: %d after %d", p.Revision, last)
		}
		last = p.Revision
	}
	if last != 4 {
		t.Fatalf("last broadcast revision = %d, want 4", last)
	}
}

func TestSubmit_AuthDenied(t *testing.T) {
	m, _ := newTestManager(t, newMemStore(), denyAll{})
	err := m.RegisterSession(context.Background(), "sA", 1)
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("RegisterSession err = %v, want ErrAuth", err)
	}

	// 未注册的会话提交同样吃 AUTH
	_, err = m.SubmitChange(context.Background(), "sA", insert("b1", "sA", 1, 0, 0, "x"))
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("SubmitChange err = %v, want ErrAuth", err)
	}
}

func TestSubmit_BusyWhenRegionHeld(t *testing.T) {
	m, _ := newTestManager(t, newMemStore(), allowAll{})
	register(t, m, "sA", 1)
	ctx := context.Background()

	// 占住 b1 的互斥区
	if err := m.locks.Acquire(ctx, "b1"); err != nil {
		t.Fatalf("acquire error = %v", err)
	}
	defer m.locks.Release("b1")

	_, err := m.SubmitChange(ctx, "sA", insert("b1", "sA", 1, 0, 0, "x"))
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
}

func TestFlush_DebounceBound(t *testing.T) {
	st := newMemStore()
	m, _ := newTestManager(t, st, allowAll{})
	register(t, m, "sA", 1)
	ctx := context.Background()

	// 窗口内的 5 次编辑只产生 1 次落库
	for i := 0; i < 5; i++ {
		if _, err := m.SubmitChange(ctx, "sA", insert("b1", "sA", uint64(i+1), uint64(i), i, "x")); err != nil {
			t.Fatalf("submit %d error = %v", i, err)
		}
	}
	time.Sleep(400 * time.Millisecond)
	if got := st.saveCount(); got != 1 {
		t.Fatalf("saves = %d, want 1", got)
	}

	// 窗口外的下一次编辑产生自己的落库
	if _, err := m.SubmitChange(ctx, "sA", insert("b1", "sA", 6, 5, 0, "y")); err != nil {
		t.Fatalf("submit error = %v", err)
	}
	time.Sleep(400 * time.Millisecond)
	if got := st.saveCount(); got != 2 {
		t.Fatalf("saves = %d, want 2", got)
	}

	st.mu.Lock()
	lastRev, lastText := st.lastRev, st.lastText
	st.mu.Unlock()
	if lastRev != 6 || lastText != "yxxxxx" {
		t.Fatalf("persisted rev,content = %d,%q", lastRev, lastText)
	}
}

func TestFlush_PersistFailureDegradesThenRecovers(t *testing.T) {
	st := newMemStore()
	m, b := newTestManager(t, st, allowAll{})
	register(t, m, "sA", 1)
	ctx := context.Background()

	st.setFailing(true)
	if _, err := m.SubmitChange(ctx, "sA", insert("b1", "sA", 1, 0, 0, "Hi")); err != nil {
		t.Fatalf("submit error = %v", err)
	}

	// 等重试耗尽、降级状态广播出来
	deadline := time.Now().Add(3 * time.Second)
	for {
		if sts := b.statuses(); len(sts) > 0 && sts[0].Unsaved {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no unsaved status broadcast after retry exhaustion")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// 降级期间编辑照常接受，不丢
	if _, err := m.SubmitChange(ctx, "sA", insert("b1", "sA", 2, 1, 2, "!")); err != nil {
		t.Fatalf("submit during degradation error = %v", err)
	}

	// 存储恢复后由重挂的 flush 收尾
	st.setFailing(false)
	deadline = time.Now().Add(3 * time.Second)
	for st.saveCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no successful save after store recovery")
		}
		time.Sleep(10 * time.Millisecond)
	}

	st.mu.Lock()
	lastText := st.lastText
	st.mu.Unlock()
	if lastText != "Hi!" {
		t.Fatalf("persisted content = %q, want %q", lastText, "Hi!")
	}

	// 恢复广播 unsaved=false
	deadline = time.Now().Add(3 * time.Second)
	for {
		sts := b.statuses()
		if len(sts) > 0 && !sts[len(sts)-1].Unsaved {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no recovery status broadcast")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClose_FlushesPending(t *testing.T) {
	st := newMemStore()
	b := &recBroadcaster{}
	opts := testOptions()
	opts.QuietWindow = 10 * time.Second // 窗口长到不可能自己到期
	m := NewManager(st, allowAll{}, b, nil, nil, opts)
	register(t, m, "sA", 1)

	if _, err := m.SubmitChange(context.Background(), "sA", insert("b1", "sA", 1, 0, 0, "Hi")); err != nil {
		t.Fatalf("submit error = %v", err)
	}
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	if got := st.saveCount(); got != 1 {
		t.Fatalf("saves = %d, want 1", got)
	}
}

func TestSubmit_BaseAheadOfCurrent(t *testing.T) {
	m, _ := newTestManager(t, newMemStore(), allowAll{})
	register(t, m, "sA", 1)

	_, err := m.SubmitChange(context.Background(), "sA", insert("b1", "sA", 1, 5, 0, "x"))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestOpenBlock_LoadsFromStore(t *testing.T) {
	st := newMemStore()
	st.rows["b1"] = BlockRecord{
		BlockID: "b1", Revision: 4, Content: "persisted",
		CardID: "c1", ProjectID: "p1",
	}
	m, _ := newTestManager(t, st, allowAll{})
	register(t, m, "sA", 1)

	content, rev, err := m.OpenBlock(context.Background(), "sA", "b1")
	if err != nil {
		t.Fatalf("OpenBlock error = %v", err)
	}
	if content != "persisted" || rev != 4 {
		t.Fatalf("content,rev = %q,%d, want persisted,4", content, rev)
	}

	chans := m.BlockChannels("b1")
	want := []string{"block:b1", "card:c1", "project:p1:overview"}
	if len(chans) != len(want) {
		t.Fatalf("channels = %v, want %v", chans, want)
	}
	for i := range want {
		if chans[i] != want[i] {
			t.Fatalf("channels = %v, want %v", chans, want)
		}
	}

	// 基于快照版本直接提交
	res, err := m.SubmitChange(context.Background(), "sA", insert("b1", "sA", 1, 4, 9, "!"))
	if err != nil {
		t.Fatalf("submit error = %v", err)
	}
	if res.NewRevision != 5 {
		t.Fatalf("revision = %d, want 5", res.NewRevision)
	}
}

func TestUnregister_RemovesFromMonitor(t *testing.T) {
	m, b := newTestManager(t, newMemStore(), allowAll{})
	register(t, m, "sA", 1)

	if _, err := m.SubmitChange(context.Background(), "sA", insert("b1", "sA", 1, 0, 0, "x")); err != nil {
		t.Fatalf("submit error = %v", err)
	}
	m.UnregisterSession("sA")

	// presence 广播应反映会话已离开
	b.mu.Lock()
	defer b.mu.Unlock()
	var lastPresence *PresencePayload
	for _, msg := range b.msgs {
		if env, ok := msg.payload.(UpdateEnvelope); ok {
			if p, ok := env.Payload.(PresencePayload); ok {
				pp := p
				lastPresence = &pp
			}
		}
	}
	if lastPresence == nil {
		t.Fatal("no presence broadcast recorded")
	}
	if len(lastPresence.EditingSessions) != 0 {
		t.Fatalf("editing sessions = %v, want empty", lastPresence.EditingSessions)
	}
}
