package session

import (
	"context"
	"sort"
	"strings"
	"sync"

	xerrors "FlowPilot/internal/errors"
)

var (
	// ErrNotFound 表示会话不存在或已归档。
	ErrNotFound = xerrors.New(xerrors.CodeSessionNotFound, "")
	// ErrVersionConflict 表示会话在加载后被其他写入者修改过。
	ErrVersionConflict = xerrors.New(xerrors.CodeConflict, "session was modified concurrently")
)

// Store 持久化会话。Save 在 s.Version 与存储中的版本一致时写入并递增版本号。
type Store interface {
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Archive(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Session, error)
}

// MemoryStore 以内存方式保存会话，读写都做深拷贝。
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	archived map[string]*Session
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session), archived: make(map[string]*Session)}
}

// Load 实现 Store。
func (m *MemoryStore) Load(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// Save 实现 Store。
func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	if err := validate(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, exists := m.sessions[s.ID]
	switch {
	case exists && stored.Version != s.Version:
		return ErrVersionConflict
	case !exists && s.Version != 0:
		return ErrVersionConflict
	}
	s.Version++
	m.sessions[s.ID] = s.Clone()
	return nil
}

// Archive 实现 Store。
func (m *MemoryStore) Archive(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	m.archived[id] = s
	return nil
}

// Archived 返回已归档的会话。
func (m *MemoryStore) Archived(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.archived[id]
	return s.Clone(), ok
}

// List 实现 Store，按 ID 排序。
func (m *MemoryStore) List(_ context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func validate(s *Session) error {
	if s == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "session 不能为空")
	}
	if strings.TrimSpace(s.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	if !s.State.Valid() {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "unknown session state %q", s.State)
	}
	return nil
}
