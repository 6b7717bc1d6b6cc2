package debounce

import (
	"sync"
	"time"
)

// Debouncer：按 key 聚合突发事件，静默窗口结束后才执行动作（纯 debounce，
// 不是 throttle）。同一个 key 任意时刻最多只有一个活着的定时器，
// 重新 Arm 总是先取消旧的再挂新的。
//
// 用途：把一个块上连续按键产生的持久化请求合并成一次落库/快照推送。
type Debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]*entry
	gen     uint64 // 全局代数，只增不减
}

type entry struct {
	timer  *time.Timer
	action func()
	// 代数标记：fire 回调拿着自己那一代的编号，发现已经被重新 Arm
	// 或取消过就什么都不做，避免 Stop 竞态下的双重执行
	gen uint64
}

func New(window time.Duration) *Debouncer {
	if window <= 0 {
		window = 2 * time.Second
	}
	return &Debouncer{
		window:  window,
		entries: make(map[string]*entry),
	}
}

// Arm 为 key 安排一次 action：窗口内再次 Arm 会取消旧定时器并重新计时。
// action 在窗口静默结束后于独立 goroutine 中执行，不持有内部锁。
func (d *Debouncer) Arm(key string, action func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if old := d.entries[key]; old != nil {
		old.timer.Stop()
	}
	d.gen++
	gen := d.gen
	e := &entry{action: action, gen: gen}
	e.timer = time.AfterFunc(d.window, func() { d.fire(key, gen) })
	d.entries[key] = e
}

func (d *Debouncer) fire(key string, gen uint64) {
	d.mu.Lock()
	e := d.entries[key]
	if e == nil || e.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.entries, key)
	action := e.action
	d.mu.Unlock()

	action()
}

// Cancel 丢弃 key 上挂着的动作（块被关闭且没有待持久化状态时用）。
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e := d.entries[key]; e != nil {
		e.timer.Stop()
		delete(d.entries, key)
	}
}

// FlushNow 立即执行 key 上挂着的动作（优雅停机、带未落盘状态断连时用）。
// 没挂任何动作时是无操作。
func (d *Debouncer) FlushNow(key string) {
	d.mu.Lock()
	e := d.entries[key]
	if e == nil {
		d.mu.Unlock()
		return
	}
	e.timer.Stop()
	delete(d.entries, key)
	action := e.action
	d.mu.Unlock()

	action()
}

// Pending 报告 key 上是否挂着未执行的动作。
func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.entries[key] != nil
}

// Keys 返回所有挂着待执行动作的 key（停机时逐个 FlushNow）。
func (d *Debouncer) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.entries))
	for k := range d.entries {
		keys = append(keys, k)
	}
	return keys
}
