package cache

import (
	"context"
	"sync"
	"time"
)

// 内存实现：单实例 relay 或本地开发时不依赖 redis。
type memberState struct {
	username string
	expireAt time.Time
}

type memoryPresence struct {
	mu       sync.Mutex
	sessions map[string]map[string]memberState // sid -> userId -> state
}

func NewMemoryPresence() PresenceCache {
	return &memoryPresence{sessions: make(map[string]map[string]memberState)}
}

func (p *memoryPresence) Touch(ctx context.Context, sessionID, userID, username string, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.sessions[sessionID]
	if !ok {
		m = make(map[string]memberState)
		p.sessions[sessionID] = m
	}
	m[userID] = memberState{username: username, expireAt: time.Now().Add(ttl)}
	return nil
}

func (p *memoryPresence) Remove(ctx context.Context, sessionID, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.sessions[sessionID]; ok {
		delete(m, userID)
		if len(m) == 0 {
			delete(p.sessions, sessionID)
		}
	}
	return nil
}

func (p *memoryPresence) AliveMembers(ctx context.Context, sessionID string) ([]Member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	now := time.Now()
	var members []Member
	for uid, st := range m {
		if st.expireAt.Before(now) {
			delete(m, uid) // 顺手清理过期成员
			continue
		}
		members = append(members, Member{UserID: uid, Username: st.username})
	}
	return members, nil
}

func (p *memoryPresence) Sessions(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sessions))
	for sid := range p.sessions {
		out = append(out, sid)
	}
	return out, nil
}
