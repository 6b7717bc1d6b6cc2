package monitor

import (
	"sync"
	"testing"
	"time"
)

type statusRecorder struct {
	mu   sync.Mutex
	seen []Status
}

func (r *statusRecorder) listen(st Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, st)
}

func (r *statusRecorder) last() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.seen) == 0 {
		return Status{}
	}
	return r.seen[len(r.seen)-1]
}

func TestSessionOpenClose(t *testing.T) {
	rec := &statusRecorder{}
	m := New(time.Minute, rec.listen)
	defer m.Stop()

	m.SessionOpened("b1", "s1")
	st := m.Snapshot("b1")
	if !st.HasLiveEditors || len(st.EditingSessions) != 1 {
		t.Fatalf("after open: %+v", st)
	}

	m.SessionOpened("b1", "s2")
	if got := len(m.EditingSessions("b1")); got != 2 {
		t.Fatalf("editors = %d, want 2", got)
	}

	m.SessionClosed("b1", "s1")
	m.SessionClosed("b1", "s2")
	st = m.Snapshot("b1")
	if st.HasLiveEditors {
		t.Fatalf("after close: %+v", st)
	}

	// 每次迁移都要发状态事件
	rec.mu.Lock()
	n := len(rec.seen)
	rec.mu.Unlock()
	if n != 4 {
		t.Fatalf("emitted = %d, want 4", n)
	}
}

func TestChangeAcceptedSetsPendingFlush(t *testing.T) {
	rec := &statusRecorder{}
	m := New(time.Minute, rec.listen)
	defer m.Stop()

	m.ChangeAccepted("b1", "s1")
	st := m.Snapshot("b1")
	if !st.HasPendingFlush || !st.HasLiveEditors {
		t.Fatalf("after accept: %+v", st)
	}

	m.FlushDone("b1", true)
	st = m.Snapshot("b1")
	if st.HasPendingFlush || st.Unsaved {
		t.Fatalf("after flush: %+v", st)
	}
}

func TestFlushFailureMarksUnsaved(t *testing.T) {
	m := New(time.Minute, nil)
	defer m.Stop()

	m.ChangeAccepted("b1", "s1")
	m.FlushDone("b1", false)
	st := m.Snapshot("b1")
	if !st.Unsaved {
		t.Fatalf("after failed flush: %+v", st)
	}

	m.FlushDone("b1", true)
	if m.Snapshot("b1").Unsaved {
		t.Fatal("unsaved should clear after successful flush")
	}
}

func TestSessionGoneLeavesAllBlocks(t *testing.T) {
	rec := &statusRecorder{}
	m := New(time.Minute, rec.listen)
	defer m.Stop()

	m.SessionOpened("b1", "s1")
	m.SessionOpened("b2", "s1")
	affected := m.SessionGone("s1")
	if len(affected) != 2 {
		t.Fatalf("affected = %d, want 2", len(affected))
	}
	if m.Snapshot("b1").HasLiveEditors || m.Snapshot("b2").HasLiveEditors {
		t.Fatal("session should be removed from every block")
	}
}

func TestSweepEvictsIdleEntries(t *testing.T) {
	m := New(20*time.Millisecond, nil)
	defer m.Stop()

	m.SessionOpened("b1", "s1")
	m.SessionClosed("b1", "s1")

	// 没有编辑者、没有挂起的 flush，过了 TTL 应被清扫
	deadline := time.Now().Add(3 * time.Second)
	for m.Tracked("b1") {
		if time.Now().After(deadline) {
			t.Fatal("idle entry was not evicted")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSweepKeepsPendingAndUnsaved(t *testing.T) {
	m := New(20*time.Millisecond, nil)
	defer m.Stop()

	m.ChangeAccepted("b1", "s1")
	m.SessionClosed("b1", "s1") // 没有编辑者了，但 flush 还挂着

	time.Sleep(300 * time.Millisecond)
	if !m.Tracked("b1") {
		t.Fatal("entry with pending flush must not be evicted")
	}

	m.FlushDone("b1", false) // unsaved 状态也要保留
	time.Sleep(300 * time.Millisecond)
	if !m.Tracked("b1") {
		t.Fatal("unsaved entry must not be evicted")
	}
}
