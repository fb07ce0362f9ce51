package relay

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"collabClient/backend/internal/protocol"
)

// 全局的 WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	h *Hub
}

func NewManager(h *Hub) *Manager {
	return &Manager{h: h}
}

// WebSocketConnect 升级连接、入房、回 initial_state，然后进读循环。
// 身份信息由鉴权中间件提前写进 gin 上下文。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	sessionID := c.GetString("sessionId")
	userID := c.GetString("userId")
	username := c.GetString("username")
	owner := c.GetBool("owner")
	if sessionID == "" || userID == "" {
		c.String(http.StatusBadRequest, "missing session or user identity")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	wsConn := NewConn(conn, m.h, sessionID, userID, username, owner)
	r := m.h.Join(sessionID, wsConn)
	defer m.h.Leave(sessionID, wsConn)

	if err := m.h.presence.Touch(c.Request.Context(), sessionID, userID, username, m.h.presenceTTL); err != nil {
		log.Printf("presence touch error: %v", err)
	}

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()

	// 入会全量同步：文档快照 + 在线状态快照 + 当前会话配置
	docSnap, err := r.doc.Snapshot()
	if err != nil {
		log.Printf("doc snapshot error (session=%s): %v", sessionID, err)
	}
	presSnap, err := r.pres.Snapshot()
	if err != nil {
		log.Printf("presence snapshot error (session=%s): %v", sessionID, err)
	}
	wsConn.Enqueue(protocol.ServerMessage{
		Type:             protocol.TypeInitialState,
		DocSnapshot:      docSnap,
		PresenceSnapshot: presSnap,
	})
	meta := m.h.Metadata(sessionID)
	wsConn.Enqueue(protocol.ServerMessage{Type: protocol.TypeMetadataChanged, Metadata: &meta})

	// 最后再进入读循环（阻塞至连接关闭）
	wsConn.readLoop(c.Request.Context())
}
