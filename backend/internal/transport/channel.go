package transport

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"collabClient/backend/internal/protocol"
)

// 到 relay 的持久双向消息通道。文档增量、在线状态增量和会话控制消息
// 都走这一条连接，单连接保证了每个客户端视角的 FIFO 投递。

var (
	// 401 等价失败。不在通道内部重试：刷新令牌是会话管理器的职责，
	// 而且只允许刷新一次。
	ErrUnauthorized   = errors.New("UNAUTHENTICATED")
	ErrNotConnected   = errors.New("CHANNEL_NOT_CONNECTED")
	ErrSendQueueStuck = errors.New("SEND_QUEUE_STUCK")
)

type CloseReason int

const (
	CloseByClient CloseReason = iota // 本端主动关闭：信息性
	CloseByServer                    // 服务端正常关闭：会话结束/被撤销
	CloseByNetwork                   // 网络故障：可重试
)

type CloseInfo struct {
	Reason CloseReason
	Code   int
	Err    error
}

// Handler 的三个回调都在通道自己的 goroutine 里串行触发。
type Handler struct {
	OnOpen    func()
	OnMessage func(protocol.ServerMessage)
	OnClose   func(CloseInfo)
}

type Channel interface {
	Connect(ctx context.Context) error
	Send(msg protocol.ClientMessage) error
	SetToken(token string)
	Close() error
}

type WSChannel struct {
	rawURL      string
	maxRetries  uint64
	h           Handler
	sendTimeout time.Duration

	mu             sync.Mutex
	token          string
	conn           *websocket.Conn
	send           chan protocol.ClientMessage
	done           chan struct{} // 关闭信号。send 本身从不 close：可能有阻塞的发送方
	closedByClient bool
}

func NewWSChannel(rawURL, token string, maxRetries uint64, h Handler) *WSChannel {
	return &WSChannel{
		rawURL:      rawURL,
		token:       token,
		maxRetries:  maxRetries,
		h:           h,
		sendTimeout: 5 * time.Second,
	}
}

// SetToken 替换鉴权凭证。刷新令牌后在同一个通道上重发 Connect，
// 不会构造第二个并行会话。
func (c *WSChannel) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *WSChannel) dialURL() (string, error) {
	u, err := url.Parse(c.rawURL)
	if err != nil {
		return "", err
	}
	// 浏览器环境没法给 WebSocket 握手加自定义 Header，
	// 所以令牌统一走 ?token= 查询参数（relay 中间件两种都认）
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect 建立连接。网络类失败按指数退避重试（有上限），
// 401 直接上抛 ErrUnauthorized，不重试。
func (c *WSChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.closedByClient = false
	target, err := c.dialURL()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	var conn *websocket.Conn
	dial := func() error {
		var resp *http.Response
		var derr error
		conn, resp, derr = websocket.DefaultDialer.DialContext(ctx, target, nil)
		if derr != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return backoff.Permanent(ErrUnauthorized)
			}
			return derr
		}
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	if err := backoff.Retry(dial, bo); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return ErrUnauthorized
		}
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.send = make(chan protocol.ClientMessage, 64)
	c.done = make(chan struct{})
	send, done := c.send, c.done
	c.mu.Unlock()

	go c.writeLoop(conn, send, done)
	go c.readLoop(conn)
	if c.h.OnOpen != nil {
		c.h.OnOpen()
	}
	return nil
}

func (c *WSChannel) readLoop(conn *websocket.Conn) {
	for {
		var msg protocol.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			c.finish(conn, err)
			return
		}
		if c.h.OnMessage != nil {
			c.h.OnMessage(msg)
		}
	}
}

func (c *WSChannel) writeLoop(conn *websocket.Conn, send <-chan protocol.ClientMessage, done <-chan struct{}) {
	for {
		select {
		case msg := <-send:
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("channel write error: %v", err)
				return
			}
		case <-done:
			// 收尾前先把已入队的消息排空，离会的控制消息不能丢
			for {
				select {
				case msg := <-send:
					if err := conn.WriteJSON(msg); err != nil {
						log.Printf("channel write error: %v", err)
						_ = conn.Close()
						return
					}
				default:
					_ = conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					_ = conn.Close()
					return
				}
			}
		}
	}
}

// finish 在读循环退出时做 close 分类并通知上层。
func (c *WSChannel) finish(conn *websocket.Conn, err error) {
	c.mu.Lock()
	byClient := c.closedByClient
	if c.conn == conn {
		c.conn = nil
		c.send = nil
		if c.done != nil {
			close(c.done)
			c.done = nil
		}
	}
	c.mu.Unlock()

	info := CloseInfo{Reason: CloseByNetwork, Err: err}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		info.Code = ce.Code
	}
	switch {
	case byClient:
		info.Reason = CloseByClient
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		info.Reason = CloseByServer
	}
	if c.h.OnClose != nil {
		c.h.OnClose(info)
	}
}

// Send 入队一条出站消息。队列长时间堵死按错误上抛，
// 静默丢弃会违反“本地已合并的编辑不允许丢”的约定。
// 入队阻塞期间通道被关闭的话立即以 ErrNotConnected 返回。
func (c *WSChannel) Send(msg protocol.ClientMessage) error {
	c.mu.Lock()
	send, done := c.send, c.done
	c.mu.Unlock()
	if send == nil {
		return ErrNotConnected
	}
	select {
	case send <- msg:
		return nil
	case <-done:
		return ErrNotConnected
	case <-time.After(c.sendTimeout):
		return ErrSendQueueStuck
	}
}

// Close 主动断开。可重复调用。
func (c *WSChannel) Close() error {
	c.mu.Lock()
	if c.closedByClient && c.conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.closedByClient = true
	done := c.done
	c.done = nil
	c.send = nil
	c.mu.Unlock()
	if done != nil {
		close(done) // writeLoop 排空队列、发 close 帧并关 conn，readLoop 以 client 原因收尾
	}
	return nil
}
