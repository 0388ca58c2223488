package orchestrator

import (
	"context"
	"sync"
)

// keyedMutex 为每个会话提供一把互斥锁，无人使用时自动回收。
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock 获取 key 对应的锁，返回释放函数。
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// run 是一次进行中的计划执行。
type run struct {
	sessionID string
	planID    string
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	// summary 在 done 关闭前写入，之后只读。
	summary *Execution
}

// runRegistry 记录每个会话当前的执行，保证同一会话同时最多一个计划在执行。
type runRegistry struct {
	mu   sync.Mutex
	runs map[string]*run
}

func newRunRegistry() *runRegistry {
	return &runRegistry{runs: make(map[string]*run)}
}

func (r *runRegistry) get(sessionID string) *run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[sessionID]
}

func (r *runRegistry) add(x *run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[x.sessionID]; exists {
		return false
	}
	r.runs[x.sessionID] = x
	return true
}

func (r *runRegistry) remove(x *run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs[x.sessionID] == x {
		delete(r.runs, x.sessionID)
	}
}

func (r *runRegistry) all() []*run {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*run, 0, len(r.runs))
	for _, x := range r.runs {
		out = append(out, x)
	}
	return out
}
