package chat

import (
	"sync"
)

// ConnManager indexes the joined sessions of this node by connection id and
// by user. It is bookkeeping only: presence lives in the registry.
type ConnManager struct {
	mu     sync.RWMutex
	byConn map[string]*session            // 主索引：connID -> session
	byUser map[int64]map[string]*session // 辅助索引：userID -> (connID -> session)

	gwId string // 节点ID
}

func NewConnManager(gwId string) *ConnManager {
	return &ConnManager{
		byConn: make(map[string]*session),
		byUser: make(map[int64]map[string]*session),
		gwId:   gwId,
	}
}

func (m *ConnManager) GwId() string {
	return m.gwId
}

func (m *ConnManager) add(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byConn[s.id] = s
	mm := m.byUser[s.userID()]
	if mm == nil {
		mm = make(map[string]*session)
		m.byUser[s.userID()] = mm
	}
	mm[s.id] = s
}

func (m *ConnManager) remove(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byConn[s.id]; !ok {
		return
	}
	delete(m.byConn, s.id)
	if mm := m.byUser[s.userID()]; mm != nil {
		delete(mm, s.id)
		if len(mm) == 0 {
			delete(m.byUser, s.userID())
		}
	}
}

// Count returns the number of joined sessions on this node.
func (m *ConnManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byConn)
}

// UserConns returns how many of user's sessions are on this node.
func (m *ConnManager) UserConns(user int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[user])
}

// CloseAll closes every transport; each session then finalizes itself.
func (m *ConnManager) CloseAll(code int, reason string) {
	m.mu.RLock()
	list := make([]*session, 0, len(m.byConn))
	for _, s := range m.byConn {
		list = append(list, s)
	}
	m.mu.RUnlock()
	for _, s := range list {
		s.abort(code, reason)
	}
}
