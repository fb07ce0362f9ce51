package presence

import (
	"errors"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// 在线状态（awareness）登记表：每个连接一份临时的 KV 状态，
// 复制方式与文档一致（不透明二进制 delta），但永不持久化，过期即删。

type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

var (
	ErrRegistryDestroyed = errors.New("REGISTRY_DESTROYED")
	ErrBadDelta          = errors.New("BAD_PRESENCE_DELTA")
)

type User struct {
	ID          string `msgpack:"id" json:"id"`
	DisplayName string `msgpack:"n" json:"displayName"`
	AvatarRef   string `msgpack:"a,omitempty" json:"avatarRef,omitempty"`
}

type Cursor struct {
	Offset int `msgpack:"o" json:"offset"`
}

type Selection struct {
	AnchorOffset int `msgpack:"a" json:"anchorOffset"`
	HeadOffset   int `msgpack:"h" json:"headOffset"`
}

// State 是一个参与者的完整在线状态。
// User 为 nil 的条目视为未初始化完成，消费方必须忽略。
type State struct {
	User      *User      `msgpack:"u,omitempty"`
	Cursor    *Cursor    `msgpack:"c,omitempty"`
	Selection *Selection `msgpack:"s,omitempty"`
	Typing    bool       `msgpack:"t,omitempty"`
}

// StatePatch 用于合并式更新本地条目：nil 字段保持原值。
type StatePatch struct {
	User      *User
	Cursor    *Cursor
	Selection *Selection
	Typing    *bool
}

// Change 随每次登记表变化分发。监听器按 Origin 过滤，
// 只有 local 来源的变化才需要向外广播。
type Change struct {
	Origin  Origin
	Added   []string
	Updated []string
	Removed []string
}

type entry struct {
	state    State
	clock    uint64 // 条目归属方维护的逻辑时钟，字段级 last-write-wins
	lastSeen time.Time
}

type Registry struct {
	mu        sync.RWMutex
	clientID  string
	timeout   time.Duration
	entries   map[string]*entry
	listeners map[int]func(Change)
	nextSub   int
	destroyed bool
}

func NewRegistry(clientID string, timeout time.Duration) *Registry {
	return &Registry{
		clientID:  clientID,
		timeout:   timeout,
		entries:   make(map[string]*entry),
		listeners: make(map[int]func(Change)),
	}
}

func (r *Registry) ClientID() string { return r.clientID }

func (r *Registry) OnChange(fn func(Change)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.listeners[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

// States 返回所有已知条目的快照（含本地）。返回的是副本，随便改。
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.entries))
	for id, e := range r.entries {
		out[id] = e.state
	}
	return out
}

func (r *Registry) LocalState() (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[r.clientID]
	if !ok {
		return State{}, false
	}
	return e.state, true
}

// SetLocalState 合并式更新自己的条目并广播 change（origin=local）。
func (r *Registry) SetLocalState(p StatePatch) error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return ErrRegistryDestroyed
	}
	e, ok := r.entries[r.clientID]
	if !ok {
		e = &entry{}
		r.entries[r.clientID] = e
	}
	if p.User != nil {
		u := *p.User
		e.state.User = &u
	}
	if p.Cursor != nil {
		c := *p.Cursor
		e.state.Cursor = &c
	}
	if p.Selection != nil {
		s := *p.Selection
		e.state.Selection = &s
	}
	if p.Typing != nil {
		e.state.Typing = *p.Typing
	}
	e.clock++
	e.lastSeen = time.Now()
	ch := Change{Origin: OriginLocal}
	if ok {
		ch.Updated = []string{r.clientID}
	} else {
		ch.Added = []string{r.clientID}
	}
	fns := r.listenersLocked()
	r.mu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
	return nil
}

type wireEntry struct {
	ClientID string `msgpack:"cid"`
	Clock    uint64 `msgpack:"clk"`
	Removed  bool   `msgpack:"rm,omitempty"`
	State    State  `msgpack:"st"`
}

type wirePayload struct {
	Entries []wireEntry `msgpack:"e"`
}

// EncodeLocal 把自己的条目编码成可广播的 delta。
// 心跳就是原样重发这一份：接收方据此刷新存活时间，防止被误判过期。
func (r *Registry) EncodeLocal() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[r.clientID]
	if !ok {
		return nil, ErrBadDelta
	}
	return msgpack.Marshal(wirePayload{Entries: []wireEntry{{
		ClientID: r.clientID,
		Clock:    e.clock,
		State:    e.state,
	}}})
}

// EncodeLeave 编码一条“本端离开”的移除 delta。
func (r *Registry) EncodeLeave() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var clk uint64
	if e, ok := r.entries[r.clientID]; ok {
		clk = e.clock + 1
	}
	return msgpack.Marshal(wirePayload{Entries: []wireEntry{{
		ClientID: r.clientID,
		Clock:    clk,
		Removed:  true,
	}}})
}

// ApplyRemote 合并一条远端 delta（origin=remote）。
// 按条目时钟 last-write-wins；时钟相同只刷新 lastSeen（心跳重申）。
// 自己的条目以本地为准，远端回声不生效。
func (r *Registry) ApplyRemote(b []byte) error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return ErrRegistryDestroyed
	}
	var p wirePayload
	if err := msgpack.Unmarshal(b, &p); err != nil {
		r.mu.Unlock()
		return ErrBadDelta
	}
	ch := Change{Origin: OriginRemote}
	now := time.Now()
	for _, we := range p.Entries {
		if we.ClientID == r.clientID {
			continue
		}
		cur, known := r.entries[we.ClientID]
		if we.Removed {
			if known {
				delete(r.entries, we.ClientID)
				ch.Removed = append(ch.Removed, we.ClientID)
			}
			continue
		}
		switch {
		case !known:
			r.entries[we.ClientID] = &entry{state: we.State, clock: we.Clock, lastSeen: now}
			ch.Added = append(ch.Added, we.ClientID)
		case we.Clock > cur.clock:
			cur.state = we.State
			cur.clock = we.Clock
			cur.lastSeen = now
			ch.Updated = append(ch.Updated, we.ClientID)
		default:
			// 旧消息或心跳重申：状态不动，只续命
			cur.lastSeen = now
		}
	}
	var fns []func(Change)
	if len(ch.Added)+len(ch.Updated)+len(ch.Removed) > 0 {
		fns = r.listenersLocked()
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
	return nil
}

// Snapshot 导出全部条目，供 initial_state 使用。
func (r *Registry) Snapshot() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p := wirePayload{Entries: make([]wireEntry, 0, len(r.entries))}
	for id, e := range r.entries {
		p.Entries = append(p.Entries, wireEntry{ClientID: id, Clock: e.clock, State: e.state})
	}
	return msgpack.Marshal(p)
}

// ApplySnapshot 与 ApplyRemote 语义一致（快照就是一条大 delta）。
func (r *Registry) ApplySnapshot(b []byte) error {
	return r.ApplyRemote(b)
}

// PruneExpired 移除超过存活窗口没有心跳的远端条目，返回被移除的 id。
// 本地条目永不过期（自己的心跳定时器停了也不能把自己删了）。
func (r *Registry) PruneExpired() []string {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return nil
	}
	deadline := time.Now().Add(-r.timeout)
	var removed []string
	for id, e := range r.entries {
		if id == r.clientID {
			continue
		}
		if e.lastSeen.Before(deadline) {
			delete(r.entries, id)
			removed = append(removed, id)
		}
	}
	var fns []func(Change)
	if len(removed) > 0 {
		fns = r.listenersLocked()
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(Change{Origin: OriginRemote, Removed: removed})
	}
	return removed
}

// Destroy 清空条目和监听器。可重复调用。
func (r *Registry) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyed = true
	r.entries = make(map[string]*entry)
	r.listeners = make(map[int]func(Change))
}

func (r *Registry) listenersLocked() []func(Change) {
	fns := make([]func(Change), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	return fns
}
