package live

import (
	"context"
	"sync"
)

// BlockLocks：按块粒度的互斥区。不同块完全并行，同一个块同一时刻
// 只有一个逻辑写者。容量为 1 的通道当互斥量用，这样 Acquire 可以
// 挂在 select 上吃 ctx 超时——拿不到锁的提交以 Busy 收场，而不是无限排队。
type BlockLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewBlockLocks() *BlockLocks {
	return &BlockLocks{locks: make(map[string]chan struct{})}
}

func (l *BlockLocks) get(blockID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := l.locks[blockID]
	if ch == nil {
		ch = make(chan struct{}, 1)
		l.locks[blockID] = ch
	}
	return ch
}

// Acquire 在 ctx 到期前拿到 blockID 的互斥区，否则返回 ErrBusy。
func (l *BlockLocks) Acquire(ctx context.Context, blockID string) error {
	ch := l.get(blockID)
	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrBusy
	}
}

// Release 释放互斥区。没持有就释放是调用方的 bug，直接无操作。
func (l *BlockLocks) Release(blockID string) {
	ch := l.get(blockID)
	select {
	case <-ch:
	default:
	}
}
