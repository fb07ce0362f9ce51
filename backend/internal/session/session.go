package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabClient/backend/internal/authtoken"
	"collabClient/backend/internal/crdt"
	"collabClient/backend/internal/presence"
	"collabClient/backend/internal/protocol"
	"collabClient/backend/internal/transport"
)

// 会话连接管理器：为一个 (inviteToken, localUser) 组合建立并监督
// 恰好一条协作会话，持有文档副本 + 在线状态表 + 传输通道，
// 把所有失败翻译成单一的连接状态枚举和用户提示，不向外抛异常。

type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

var (
	// 前置条件错误：不可恢复，立即报错，不重试
	ErrMissingInviteToken = errors.New("INVITE_TOKEN_MISSING")
	ErrMissingIdentity    = errors.New("LOCAL_USER_MISSING")
)

type LocalUser struct {
	ID          string
	DisplayName string
	AvatarRef   string
}

type Options struct {
	RelayURL          string
	HeartbeatInterval time.Duration // 默认 10s
	PresenceTimeout   time.Duration // 默认 30s（两次心跳丢失才算掉线）
	DialRetries       uint64        // 单次 Connect 内部的拨号重试上限
	ReconnectRetries  int           // 连接断开后的自动重连轮数上限
	Refresher         TokenRefresher
	Notifier          Notifier
	// NewChannel 允许测试注入假通道；不设则用 WebSocket 实现
	NewChannel func(url, token string, h transport.Handler) transport.Channel
}

type Session struct {
	opt Options

	mu           sync.Mutex
	token        string
	localUser    LocalUser
	clientID     string
	doc          *crdt.Doc
	pres         *presence.Registry
	ch           transport.Channel
	state        State
	meta         protocol.SessionMetadata
	roster       []presence.User
	endedByOwner bool
	reconnecting bool
	closed       bool

	unsubDoc  func()
	unsubPres func()
	hbStop    chan struct{}

	stateSubs map[int]func(State)
	metaSubs  map[int]func(protocol.SessionMetadata)
	nextSub   int
}

func New(opt Options) *Session {
	if opt.HeartbeatInterval <= 0 {
		opt.HeartbeatInterval = 10 * time.Second
	}
	if opt.PresenceTimeout <= 0 {
		opt.PresenceTimeout = 30 * time.Second
	}
	if opt.DialRetries == 0 {
		opt.DialRetries = 3
	}
	if opt.ReconnectRetries == 0 {
		opt.ReconnectRetries = 5
	}
	if opt.Notifier == nil {
		opt.Notifier = LogNotifier{}
	}
	if opt.NewChannel == nil {
		opt.NewChannel = func(url, token string, h transport.Handler) transport.Channel {
			return transport.NewWSChannel(url, token, opt.DialRetries, h)
		}
	}
	return &Session{
		opt:       opt,
		state:     StateDisconnected,
		stateSubs: make(map[int]func(State)),
		metaSubs:  make(map[int]func(protocol.SessionMetadata)),
	}
}

// Initialize 建立会话。幂等：文档/通道已存在时直接返回。
// 缺 token 或缺身份是前置条件错误：置 error 态并提示，绝不重试。
func (s *Session) Initialize(ctx context.Context, inviteToken string, localUser LocalUser) error {
	s.mu.Lock()
	if s.doc != nil {
		s.mu.Unlock()
		return nil
	}
	if inviteToken == "" {
		s.mu.Unlock()
		s.setState(StateError)
		s.opt.Notifier.Error("缺少邀请令牌，无法加入会话")
		return ErrMissingInviteToken
	}
	if localUser.ID == "" {
		s.mu.Unlock()
		s.setState(StateError)
		s.opt.Notifier.Error("缺少用户身份，无法加入会话")
		return ErrMissingIdentity
	}

	s.closed = false
	s.endedByOwner = false
	s.token = inviteToken
	s.localUser = localUser
	// clientId 是连接级标识，不是用户的稳定身份：
	// 同一用户多标签页/多次重连各有一个
	s.clientID = uuid.NewString()
	s.doc = crdt.NewDoc(s.clientID)
	s.pres = presence.NewRegistry(s.clientID, s.opt.PresenceTimeout)

	// 先写好自己的身份，再开通道：第一条出站 presence 广播就带上 user
	_ = s.pres.SetLocalState(presence.StatePatch{User: &presence.User{
		ID:          localUser.ID,
		DisplayName: localUser.DisplayName,
		AvatarRef:   localUser.AvatarRef,
	}})

	// 出站传播：只转发非 remote 来源的变更。
	// 这个 origin 过滤就是防本地/远端无限回声的全部机制。
	s.unsubDoc = s.doc.OnUpdate(func(ev crdt.UpdateEvent) {
		if ev.Origin == crdt.OriginRemote {
			return
		}
		s.sendMessage(protocol.ClientMessage{Type: protocol.TypeDocUpdate, Delta: ev.Delta})
	})
	s.unsubPres = s.pres.OnChange(func(ch presence.Change) {
		if ch.Origin == presence.OriginLocal {
			if b, err := s.pres.EncodeLocal(); err == nil {
				s.sendMessage(protocol.ClientMessage{Type: protocol.TypeAwarenessUpdate, Delta: b})
			}
		}
		s.recomputeRoster()
	})

	s.ch = s.opt.NewChannel(s.opt.RelayURL, inviteToken, transport.Handler{
		OnOpen:    s.onOpen,
		OnMessage: s.onMessage,
		OnClose:   s.onClose,
	})
	s.mu.Unlock()

	if sid := authtoken.PeekSessionID(inviteToken); sid != "" {
		log.Printf("joining session %s as %s (client %s)", sid, localUser.ID, s.clientID)
	}

	s.setState(StateConnecting)
	if err := s.connectWithAuthRetry(ctx); err != nil {
		if errors.Is(err, transport.ErrUnauthorized) || errors.Is(err, ErrRefreshFailed) {
			s.setState(StateError)
			s.opt.Notifier.Error("身份验证失败，请重新获取邀请链接")
		} else {
			s.setState(StateDisconnected)
			s.opt.Notifier.Error(fmt.Sprintf("无法连接协作服务：%v", err))
		}
		return err
	}
	return nil
}

// connectWithAuthRetry 拨号一次；遇到 401 等价失败时恰好做一次
// 同步令牌刷新，把新令牌塞回同一条通道再拨一次。刷新失败直接放弃。
func (s *Session) connectWithAuthRetry(ctx context.Context) error {
	s.mu.Lock()
	ch := s.ch
	token := s.token
	s.mu.Unlock()
	if ch == nil {
		return ErrMissingInviteToken
	}

	err := ch.Connect(ctx)
	if !errors.Is(err, transport.ErrUnauthorized) {
		return err
	}
	if s.opt.Refresher == nil {
		return err
	}
	newToken, rerr := s.opt.Refresher.Refresh(ctx, token)
	if rerr != nil {
		log.Printf("token refresh failed: %v", rerr)
		return ErrRefreshFailed
	}
	s.mu.Lock()
	s.token = newToken
	s.mu.Unlock()
	ch.SetToken(newToken)
	return ch.Connect(ctx)
}

func (s *Session) onOpen() {
	s.setState(StateConnected)
	s.opt.Notifier.Success("已连接到协作会话")

	// 进门先自报家门，让别人立刻看到自己
	s.mu.Lock()
	pres := s.pres
	s.mu.Unlock()
	if pres != nil {
		if b, err := pres.EncodeLocal(); err == nil {
			s.sendMessage(protocol.ClientMessage{Type: protocol.TypeAwarenessUpdate, Delta: b})
		}
	}
	s.startHeartbeat()
}

func (s *Session) onMessage(msg protocol.ServerMessage) {
	s.mu.Lock()
	doc, pres := s.doc, s.pres
	s.mu.Unlock()
	if doc == nil || pres == nil {
		return
	}

	switch msg.Type {
	case protocol.TypeInitialState:
		// 快照以 remote 来源落地，本地编辑监听器不会再广播它们
		if len(msg.DocSnapshot) > 0 {
			if _, err := doc.ApplySnapshot(msg.DocSnapshot); err != nil {
				log.Printf("apply doc snapshot error: %v", err)
			}
		}
		if len(msg.PresenceSnapshot) > 0 {
			if err := pres.ApplySnapshot(msg.PresenceSnapshot); err != nil {
				log.Printf("apply presence snapshot error: %v", err)
			}
		}

	case protocol.TypeDocUpdate:
		if _, err := doc.ApplyRemote(msg.Delta); err != nil {
			log.Printf("apply doc update error: %v", err)
		}

	case protocol.TypeAwarenessUpdate:
		if err := pres.ApplyRemote(msg.Delta); err != nil {
			log.Printf("apply awareness update error: %v", err)
		}

	case protocol.TypeMetadataChanged:
		if msg.Metadata == nil {
			return
		}
		s.mu.Lock()
		s.meta = *msg.Metadata
		subs := make([]func(protocol.SessionMetadata), 0, len(s.metaSubs))
		for _, fn := range s.metaSubs {
			subs = append(subs, fn)
		}
		meta := s.meta
		s.mu.Unlock()
		for _, fn := range subs {
			fn(meta)
		}

	case protocol.TypeUserLeft:
		// 仅通知。名单变化由 presence 变更推导，不吃这条消息
		s.opt.Notifier.Info(fmt.Sprintf("%s 离开了会话", msg.Username))

	case protocol.TypeError:
		if msg.Code == protocol.CodeSessionClosed {
			// 房主结束会话：接下来编辑器会转只读，不当成崩溃处理
			s.mu.Lock()
			s.endedByOwner = true
			s.mu.Unlock()
			s.opt.Notifier.Info("房主已结束本次协作，文档进入只读模式")
		} else {
			s.opt.Notifier.Error(msg.Content)
		}

	default:
		log.Printf("ignore unknown message type %q", msg.Type)
	}
}

func (s *Session) onClose(info transport.CloseInfo) {
	s.stopHeartbeat()
	s.setState(StateDisconnected)

	s.mu.Lock()
	endedByOwner := s.endedByOwner
	closed := s.closed
	s.mu.Unlock()

	switch info.Reason {
	case transport.CloseByClient:
		s.opt.Notifier.Info("已断开协作连接")
	case transport.CloseByServer:
		if endedByOwner {
			s.opt.Notifier.Info("会话已被房主结束")
		} else {
			s.opt.Notifier.Info("会话已结束")
		}
	case transport.CloseByNetwork:
		if closed {
			return
		}
		s.opt.Notifier.Error("网络连接中断，正在尝试重连")
		go s.reconnectLoop()
	}
}

// reconnectLoop 有界自动重连。401 走同样的刷新一次规则；
// 刷新失败或轮数用尽后停在 disconnected，等用户显式操作。
func (s *Session) reconnectLoop() {
	s.mu.Lock()
	if s.reconnecting || s.closed {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	wait := time.Second
	for attempt := 1; attempt <= s.opt.ReconnectRetries; attempt++ {
		time.Sleep(wait)
		if wait < 30*time.Second {
			wait *= 2
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		s.setState(StateConnecting)
		err := s.connectWithAuthRetry(context.Background())
		if err == nil {
			return
		}
		if errors.Is(err, transport.ErrUnauthorized) || errors.Is(err, ErrRefreshFailed) {
			s.setState(StateError)
			s.opt.Notifier.Error("身份验证失败，停止自动重连")
			return
		}
		s.setState(StateDisconnected)
		log.Printf("reconnect attempt %d/%d failed: %v", attempt, s.opt.ReconnectRetries, err)
	}
	s.opt.Notifier.Error("自动重连失败，请手动重试")
}

// Reconnect 用户显式重连入口。
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.doc == nil || s.closed {
		s.mu.Unlock()
		return ErrMissingInviteToken
	}
	s.mu.Unlock()
	s.setState(StateConnecting)
	err := s.connectWithAuthRetry(ctx)
	if err != nil {
		s.setState(StateDisconnected)
	}
	return err
}

func (s *Session) startHeartbeat() {
	s.mu.Lock()
	if s.hbStop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.hbStop = stop
	pres := s.pres
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.opt.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if s.State() != StateConnected {
					continue
				}
				// 原样重发自己的条目：不为合并正确性，只为别人那边的
				// 过期定时器别把我清了（活性要求，不是 CRDT 要求）
				if b, err := pres.EncodeLocal(); err == nil {
					s.sendMessage(protocol.ClientMessage{Type: protocol.TypeAwarenessUpdate, Delta: b})
				}
				pres.PruneExpired()
			}
		}
	}()
}

func (s *Session) stopHeartbeat() {
	s.mu.Lock()
	if s.hbStop != nil {
		close(s.hbStop)
		s.hbStop = nil
	}
	s.mu.Unlock()
}

func (s *Session) sendMessage(msg protocol.ClientMessage) {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch == nil {
		return
	}
	if err := ch.Send(msg); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		log.Printf("send %s error: %v", msg.Type, err)
	}
}

func (s *Session) recomputeRoster() {
	s.mu.Lock()
	pres := s.pres
	s.mu.Unlock()
	if pres == nil {
		return
	}
	roster := BuildRoster(pres.States())
	s.mu.Lock()
	s.roster = roster
	s.mu.Unlock()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	subs := make([]func(State), 0, len(s.stateSubs))
	for _, fn := range s.stateSubs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(st)
	}
}

// --- 对外只读入口（chat / toolbar / binding 都从这里取）---

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Doc() *crdt.Doc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

func (s *Session) Presence() *presence.Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pres
}

func (s *Session) Metadata() protocol.SessionMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

func (s *Session) Roster() []presence.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]presence.User, len(s.roster))
	copy(out, s.roster)
	return out
}

func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Session) OnStateChange(fn func(State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.stateSubs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.stateSubs, id)
	}
}

func (s *Session) OnMetadataChange(fn func(protocol.SessionMetadata)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.metaSubs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.metaSubs, id)
	}
}

// --- 本地在线状态入口 ---

func (s *Session) SetCursor(offset int) {
	if pres := s.Presence(); pres != nil {
		_ = pres.SetLocalState(presence.StatePatch{Cursor: &presence.Cursor{Offset: offset}})
	}
}

func (s *Session) SetSelection(anchor, head int) {
	if pres := s.Presence(); pres != nil {
		_ = pres.SetLocalState(presence.StatePatch{Selection: &presence.Selection{AnchorOffset: anchor, HeadOffset: head}})
	}
}

func (s *Session) SetTyping(typing bool) {
	if pres := s.Presence(); pres != nil {
		_ = pres.SetLocalState(presence.StatePatch{Typing: &typing})
	}
}

// SetLanguage 请求修改会话语言。relay 广播回来的 metadata_changed
// 才是权威结果，这里只是发请求。
func (s *Session) SetLanguage(lang string) {
	s.sendMessage(protocol.ClientMessage{Type: protocol.TypeMetadataChanged, Language: lang})
}

// Leave 普通成员离开会话。
func (s *Session) Leave() {
	if b, err := s.leavePresence(); err == nil {
		s.sendMessage(protocol.ClientMessage{Type: protocol.TypeAwarenessUpdate, Delta: b})
	}
	s.sendMessage(protocol.ClientMessage{Type: protocol.TypeLeaveSession})
	s.teardown()
}

// End 房主结束整个会话。
func (s *Session) End() {
	s.sendMessage(protocol.ClientMessage{Type: protocol.TypeCloseSession})
	s.teardown()
}

// Close 释放会话资源，不发送任何控制消息。
func (s *Session) Close() {
	s.teardown()
}

func (s *Session) leavePresence() ([]byte, error) {
	s.mu.Lock()
	pres := s.pres
	s.mu.Unlock()
	if pres == nil {
		return nil, presence.ErrRegistryDestroyed
	}
	return pres.EncodeLeave()
}

// teardown 拆除会话：停心跳、摘监听、关通道、销毁文档和登记表、
// 状态回 disconnected、清空名单。可重复调用。
func (s *Session) teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubDoc, unsubPres := s.unsubDoc, s.unsubPres
	s.unsubDoc, s.unsubPres = nil, nil
	ch, doc, pres := s.ch, s.doc, s.pres
	s.ch, s.doc, s.pres = nil, nil, nil
	s.roster = nil
	s.mu.Unlock()

	s.stopHeartbeat()
	if unsubDoc != nil {
		unsubDoc()
	}
	if unsubPres != nil {
		unsubPres()
	}
	if ch != nil {
		_ = ch.Close()
	}
	if doc != nil {
		doc.Destroy()
	}
	if pres != nil {
		pres.Destroy()
	}
	s.setState(StateDisconnected)
}
