package relay

import (
	"sync"
	"time"

	"collabClient/backend/internal/cache"
	"collabClient/backend/internal/crdt"
	"collabClient/backend/internal/presence"
	"collabClient/backend/internal/protocol"
)

// 开发用 relay：按会话分房间做扇出，并为每个房间维护一份权威副本
// （同一套 crdt/presence 包），给后加入的客户端发 initial_state。
// 文档在 relay 上的持久化不在范围内：进程退出状态即丢。

type room struct {
	doc   *crdt.Doc
	pres  *presence.Registry
	meta  protocol.SessionMetadata
	conns map[*Conn]struct{}
}

type Hub struct {
	// 在线名单缓存（内存或 redis），与房间内的 presence 副本互不依赖
	presence    cache.PresenceCache
	presenceTTL time.Duration
	// 保护 rooms。加入/离开房间、广播时都会先加锁。
	mu    sync.RWMutex
	rooms map[string]*room
}

func NewHub(p cache.PresenceCache, presenceTTL time.Duration) *Hub {
	return &Hub{presence: p, presenceTTL: presenceTTL, rooms: make(map[string]*room)}
}

// Join 把连接加入指定会话房间，必要时创建房间。
// 返回房间当前的快照数据，供 initial_state 使用。
func (h *Hub) Join(sessionID string, c *Conn) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[sessionID]
	if !ok {
		// 房间里存的是连接集合而不是 userId 集合：
		// 一个用户可开多个标签页，广播要逐连接发
		r = &room{
			doc:   crdt.NewDoc("relay:" + sessionID),
			pres:  presence.NewRegistry("relay:"+sessionID, h.presenceTTL),
			conns: make(map[*Conn]struct{}),
		}
		h.rooms[sessionID] = r
	}
	if c.owner && r.meta.OwnerID == "" {
		r.meta.OwnerID = c.userID
	}
	r.conns[c] = struct{}{}
	return r
}

// Leave 把连接移出房间；房间空了但保留文档副本，等人回来继续。
func (h *Hub) Leave(sessionID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[sessionID]; ok {
		delete(r.conns, c)
	}
}

func (h *Hub) Room(sessionID string) *room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[sessionID]
}

func (h *Hub) Metadata(sessionID string) protocol.SessionMetadata {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r, ok := h.rooms[sessionID]; ok {
		return r.meta
	}
	return protocol.SessionMetadata{}
}

func (h *Hub) SetLanguage(sessionID, language string) (protocol.SessionMetadata, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[sessionID]
	if !ok {
		return protocol.SessionMetadata{}, false
	}
	r.meta.Language = language
	return r.meta, true
}

// BroadcastOthers 发给同房间内除 sender 外的所有连接。
func (h *Hub) BroadcastOthers(sessionID string, sender *Conn, msg protocol.ServerMessage) {
	h.mu.RLock()
	r := h.rooms[sessionID]
	var conns []*Conn
	if r != nil {
		conns = make([]*Conn, 0, len(r.conns))
		for c := range r.conns {
			if c != sender {
				conns = append(conns, c)
			}
		}
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Enqueue(msg)
	}
}

func (h *Hub) BroadcastAll(sessionID string, msg protocol.ServerMessage) {
	h.BroadcastOthers(sessionID, nil, msg)
}

// CloseRoom 结束整个会话：断开所有连接并丢弃房间状态。
func (h *Hub) CloseRoom(sessionID string) {
	h.mu.Lock()
	r, ok := h.rooms[sessionID]
	if ok {
		delete(h.rooms, sessionID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	for c := range r.conns {
		c.shutdown()
	}
	r.doc.Destroy()
	r.pres.Destroy()
}
