package ike

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/iniwex5/ike-go/pkg/child"
	"github.com/iniwex5/ike-go/pkg/sa"
)

var ErrUnknownSession = errors.New("会话不存在")

// Manager 以会话 ID 管理多个 IKE 会话，会话关闭后自动移除
type Manager struct {
	deps Deps

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

// NewManager deps 由所有会话共享，SPI 生成器与 Transport 的 SPI 分发因此全局唯一
func NewManager(deps Deps) *Manager {
	if deps.SPIs == nil {
		deps.SPIs = sa.NewGenerator(deps.Rand)
	}
	return &Manager{
		deps:     deps,
		sessions: make(map[uuid.UUID]*Session),
	}
}

// Open 创建并启动会话
func (m *Manager) Open(ctx context.Context, params *SessionParams, cb Callback, firstChildCB child.Callback) (*Session, error) {
	s, err := New(params, cb, firstChildCB, m.deps)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	s.Start(ctx)
	go func() {
		<-s.Done()
		m.mu.Lock()
		delete(m.sessions, s.ID())
		m.mu.Unlock()
	}()
	return s, nil
}

func (m *Manager) Get(id uuid.UUID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close 删除 IKE SA 后关闭会话
func (m *Manager) Close(id uuid.UUID) error {
	s, ok := m.Get(id)
	if !ok {
		return ErrUnknownSession
	}
	s.Close()
	return nil
}

// Len 当前会话数
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll 关闭全部会话并等待工作协程退出，ctx 到期时剩余会话被强制关闭
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	var err error
	for _, s := range all {
		select {
		case <-s.Done():
		case <-ctx.Done():
			s.Kill()
			<-s.Done()
			err = multierr.Append(err, errors.New("会话 "+s.ID().String()+" 未能正常删除"))
		}
	}
	return err
}
