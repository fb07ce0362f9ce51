package relay

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"collabClient/backend/internal/protocol"
)

type Conn struct {
	ws        *websocket.Conn
	hub       *Hub
	sessionID string
	userID    string
	username  string
	owner     bool

	mu     sync.Mutex
	closed bool
	send   chan protocol.ServerMessage
}

func NewConn(ws *websocket.Conn, hub *Hub, sessionID, userID, username string, owner bool) *Conn {
	return &Conn{
		ws:        ws,
		hub:       hub,
		sessionID: sessionID,
		userID:    userID,
		username:  username,
		owner:     owner,
		send:      make(chan protocol.ServerMessage, 32),
	}
}

// Enqueue 把出站消息放入发送队列；队列满了则丢弃（慢消费者不拖垮房间）。
func (c *Conn) Enqueue(msg protocol.ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		log.Printf("drop %s for slow conn (user=%s, session=%s)", msg.Type, c.userID, c.sessionID)
	}
}

// shutdown 标记关闭并关掉发送队列，writeLoop 随后发 close 帧。
func (c *Conn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.shutdown()
	for {
		var msg protocol.ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case protocol.TypeDocUpdate:
			r := c.hub.Room(c.sessionID)
			if r == nil {
				continue
			}
			// 先并入权威副本（幂等），再原样转发给其他人
			if _, err := r.doc.ApplyRemote(msg.Delta); err != nil {
				log.Printf("apply doc delta error (user=%s, session=%s): %v", c.userID, c.sessionID, err)
				c.Enqueue(protocol.ServerMessage{Type: protocol.TypeError, Content: err.Error()})
				continue
			}
			c.hub.BroadcastOthers(c.sessionID, c, protocol.ServerMessage{Type: protocol.TypeDocUpdate, Delta: msg.Delta})

		case protocol.TypeAwarenessUpdate:
			r := c.hub.Room(c.sessionID)
			if r == nil {
				continue
			}
			if err := r.pres.ApplyRemote(msg.Delta); err != nil {
				log.Printf("apply awareness delta error (user=%s, session=%s): %v", c.userID, c.sessionID, err)
				continue
			}
			r.pres.PruneExpired()
			// 心跳也会走到这里：顺手给名单缓存续命
			if err := c.hub.presence.Touch(ctx, c.sessionID, c.userID, c.username, c.hub.presenceTTL); err != nil {
				log.Printf("presence touch error: %v", err)
			}
			c.hub.BroadcastOthers(c.sessionID, c, protocol.ServerMessage{Type: protocol.TypeAwarenessUpdate, Delta: msg.Delta})

		case protocol.TypeMetadataChanged:
			meta, ok := c.hub.SetLanguage(c.sessionID, msg.Language)
			if !ok {
				continue
			}
			// 语言变更广播给所有人（包括发起者），relay 的回包才是权威值
			c.hub.BroadcastAll(c.sessionID, protocol.ServerMessage{Type: protocol.TypeMetadataChanged, Metadata: &meta})

		case protocol.TypeLeaveSession:
			if err := c.hub.presence.Remove(ctx, c.sessionID, c.userID); err != nil {
				log.Printf("presence remove error: %v", err)
			}
			c.hub.BroadcastOthers(c.sessionID, c, protocol.ServerMessage{Type: protocol.TypeUserLeft, Username: c.username})
			return

		case protocol.TypeCloseSession:
			if !c.owner {
				c.Enqueue(protocol.ServerMessage{
					Type:    protocol.TypeError,
					Content: fmt.Sprintf("user %s is not the session owner", c.username),
				})
				continue
			}
			c.hub.BroadcastAll(c.sessionID, protocol.ServerMessage{
				Type:    protocol.TypeError,
				Code:    protocol.CodeSessionClosed,
				Content: "session closed by owner",
			})
			c.hub.CloseRoom(c.sessionID)
			return

		default:
			c.Enqueue(protocol.ServerMessage{Type: protocol.TypeError, Content: "unknown message type"})
		}
	}
}

// writeLoop 持续消费发送队列；队列关闭后发 close 帧收尾。
func (c *Conn) writeLoop() {
	for msg := range c.send {
		if err := c.ws.WriteJSON(msg); err != nil {
			log.Printf("write error (user=%s, session=%s): %v", c.userID, c.sessionID, err)
		}
	}
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
	_ = c.ws.Close()
}
