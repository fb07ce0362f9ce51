package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"collabClient/backend/internal/authtoken"
	"collabClient/backend/internal/cache"
	"collabClient/backend/internal/httpapi/middleware"
	"collabClient/backend/internal/session"
)

// 端到端：两个真实客户端会话经由 websocket 接入同一个 relay 房间。

func startRelay(t *testing.T) (*Hub, string, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := NewHub(cache.NewMemoryPresence(), 30*time.Second)
	mgr := NewManager(hub)

	r := gin.New()
	collab := r.Group("/collab", middleware.AuthMiddleware())
	collab.GET("/ws", mgr.WebSocketConnect)

	srv := httptest.NewServer(r)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/collab/ws"
	return hub, wsURL, srv.Close
}

func join(t *testing.T, wsURL, sid string, user session.LocalUser, owner bool) *session.Session {
	t.Helper()
	token, _, err := authtoken.SignInviteToken(sid, user.ID, user.DisplayName, owner, time.Minute)
	if err != nil {
		t.Fatalf("SignInviteToken() error = %v", err)
	}
	s := session.New(session.Options{
		RelayURL:          wsURL,
		HeartbeatInterval: time.Hour, // 测试里不依赖心跳
	})
	if err := s.Initialize(context.Background(), token, user); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return s
}

// waitFor 轮询直到条件成立或超时。
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("等待超时: %s", what)
}

func TestRelay_TwoClientsConverge(t *testing.T) {
	hub, wsURL, stop := startRelay(t)
	defer stop()
	const sid = "sess-converge"

	alice := join(t, wsURL, sid, session.LocalUser{ID: "uA", DisplayName: "Alice"}, true)
	defer alice.Close()

	if err := alice.Doc().LocalInsert(0, "foo"); err != nil {
		t.Fatalf("LocalInsert() error = %v", err)
	}
	// relay 侧权威副本先收敛，保证 bob 进场能拿到完整快照
	waitFor(t, "relay 收到 foo", func() bool {
		r := hub.Room(sid)
		return r != nil && r.doc.Text() == "foo"
	})

	bob := join(t, wsURL, sid, session.LocalUser{ID: "uB", DisplayName: "Bob"}, false)
	defer bob.Close()

	// initial_state 全量同步
	waitFor(t, "bob 拿到 foo", func() bool { return bob.Doc() != nil && bob.Doc().Text() == "foo" })

	if err := bob.Doc().LocalInsert(3, "bar"); err != nil {
		t.Fatalf("LocalInsert() error = %v", err)
	}
	waitFor(t, "alice 收敛到 foobar", func() bool { return alice.Doc() != nil && alice.Doc().Text() == "foobar" })
	waitFor(t, "relay 收敛到 foobar", func() bool {
		r := hub.Room(sid)
		return r != nil && r.doc.Text() == "foobar"
	})

	// 双方名单都包含两个参与者
	waitFor(t, "alice 的名单包含 bob", func() bool { return len(alice.Roster()) == 2 })
	waitFor(t, "bob 的名单包含 alice", func() bool { return len(bob.Roster()) == 2 })

	// 在线名单缓存也登记了两个人
	members, err := hub.presence.AliveMembers(context.Background(), sid)
	if err != nil {
		t.Fatalf("AliveMembers error: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("缓存名单 = %v, want 2 个", members)
	}
}

func TestRelay_MetadataBroadcast(t *testing.T) {
	_, wsURL, stop := startRelay(t)
	defer stop()
	const sid = "sess-meta"

	alice := join(t, wsURL, sid, session.LocalUser{ID: "uA", DisplayName: "Alice"}, true)
	defer alice.Close()
	bob := join(t, wsURL, sid, session.LocalUser{ID: "uB", DisplayName: "Bob"}, false)
	defer bob.Close()

	alice.SetLanguage("go")
	// relay 回包才是权威值：发起方也要等广播回来
	waitFor(t, "alice 看到语言 go", func() bool { return alice.Metadata().Language == "go" })
	waitFor(t, "bob 看到语言 go", func() bool { return bob.Metadata().Language == "go" })
	if got := bob.Metadata().OwnerID; got != "uA" {
		t.Fatalf("OwnerID = %q, want uA", got)
	}
}

func TestRelay_LeaveRemovesFromRoster(t *testing.T) {
	hub, wsURL, stop := startRelay(t)
	defer stop()
	const sid = "sess-leave"

	alice := join(t, wsURL, sid, session.LocalUser{ID: "uA", DisplayName: "Alice"}, true)
	defer alice.Close()
	bob := join(t, wsURL, sid, session.LocalUser{ID: "uB", DisplayName: "Bob"}, false)

	waitFor(t, "alice 的名单包含 bob", func() bool { return len(alice.Roster()) == 2 })
	bob.Leave()

	waitFor(t, "alice 的名单只剩自己", func() bool {
		roster := alice.Roster()
		return len(roster) == 1 && roster[0].ID == "uA"
	})
	waitFor(t, "缓存名单不再包含 bob", func() bool {
		members, err := hub.presence.AliveMembers(context.Background(), sid)
		if err != nil {
			return false
		}
		for _, m := range members {
			if m.UserID == "uB" {
				return false
			}
		}
		return true
	})
	// 房间保留，文档还在，等人回来
	if r := hub.Room(sid); r == nil || r.doc == nil {
		t.Fatal("普通成员离开不应销毁房间")
	}
}

// 对端连接死掉（没发 leave）：靠心跳超时把它从名单里清出去，
// 留下的客户端照常可编辑。
func TestRelay_DropExpiresFromRoster(t *testing.T) {
	_, wsURL, stop := startRelay(t)
	defer stop()
	const sid = "sess-drop"

	joinFast := func(user session.LocalUser, owner bool) *session.Session {
		token, _, err := authtoken.SignInviteToken(sid, user.ID, user.DisplayName, owner, time.Minute)
		if err != nil {
			t.Fatalf("SignInviteToken() error = %v", err)
		}
		s := session.New(session.Options{
			RelayURL:          wsURL,
			HeartbeatInterval: 30 * time.Millisecond,
			PresenceTimeout:   120 * time.Millisecond,
		})
		if err := s.Initialize(context.Background(), token, user); err != nil {
			t.Fatalf("Initialize() error = %v", err)
		}
		return s
	}

	alice := joinFast(session.LocalUser{ID: "uA", DisplayName: "Alice"}, true)
	bob := joinFast(session.LocalUser{ID: "uB", DisplayName: "Bob"}, false)
	defer bob.Close()

	waitFor(t, "bob 的名单包含 alice", func() bool { return len(bob.Roster()) == 2 })

	// 模拟 alice 掉线：直接关连接，什么控制消息都不发
	alice.Close()

	waitFor(t, "alice 从 bob 的名单过期", func() bool {
		roster := bob.Roster()
		return len(roster) == 1 && roster[0].ID == "uB"
	})
	// bob 自己的可编辑性不受影响
	if err := bob.Doc().LocalInsert(0, "ok"); err != nil {
		t.Fatalf("LocalInsert() error = %v", err)
	}
	if bob.State() != session.StateConnected {
		t.Fatalf("State() = %q, want connected", bob.State())
	}
}

func TestRelay_OwnerEndsSession(t *testing.T) {
	hub, wsURL, stop := startRelay(t)
	defer stop()
	const sid = "sess-end"

	alice := join(t, wsURL, sid, session.LocalUser{ID: "uA", DisplayName: "Alice"}, true)
	bob := join(t, wsURL, sid, session.LocalUser{ID: "uB", DisplayName: "Bob"}, false)
	defer bob.Close()

	waitFor(t, "房间有两条连接", func() bool {
		r := hub.Room(sid)
		if r == nil {
			return false
		}
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(r.conns) == 2
	})

	alice.End()
	waitFor(t, "房间被销毁", func() bool { return hub.Room(sid) == nil })
	waitFor(t, "bob 断开", func() bool { return bob.State() == session.StateDisconnected })
}

// 非房主发 close_session：收到错误提示，房间不动。
func TestRelay_NonOwnerCannotEnd(t *testing.T) {
	hub, wsURL, stop := startRelay(t)
	defer stop()
	const sid = "sess-guard"

	alice := join(t, wsURL, sid, session.LocalUser{ID: "uA", DisplayName: "Alice"}, true)
	defer alice.Close()
	bob := join(t, wsURL, sid, session.LocalUser{ID: "uB", DisplayName: "Bob"}, false)

	bob.End()
	time.Sleep(100 * time.Millisecond)
	if r := hub.Room(sid); r == nil {
		t.Fatal("非房主不应能销毁房间")
	}
}

func TestRelay_RejectsBadToken(t *testing.T) {
	_, wsURL, stop := startRelay(t)
	defer stop()

	s := session.New(session.Options{RelayURL: wsURL, HeartbeatInterval: time.Hour})
	err := s.Initialize(context.Background(), "not-a-jwt", session.LocalUser{ID: "uX", DisplayName: "X"})
	if err == nil {
		t.Fatal("伪造令牌应被拒绝")
	}
	if s.State() != session.StateError {
		t.Fatalf("State() = %q, want error", s.State())
	}
}
