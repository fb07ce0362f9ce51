package cache

import (
	"context"
	"sort"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func TestMemoryPresence_TouchAndExpire(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPresence()

	if err := p.Touch(ctx, "s1", "u1", "Alice", time.Minute); err != nil {
		t.Fatalf("Touch error: %v", err)
	}
	if err := p.Touch(ctx, "s1", "u2", "Bob", 10*time.Millisecond); err != nil {
		t.Fatalf("Touch error: %v", err)
	}

	members, err := p.AliveMembers(ctx, "s1")
	if err != nil {
		t.Fatalf("AliveMembers error: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("members = %v, want 2 个", members)
	}

	// u2 过期后不再出现
	time.Sleep(20 * time.Millisecond)
	members, err = p.AliveMembers(ctx, "s1")
	if err != nil {
		t.Fatalf("AliveMembers error: %v", err)
	}
	if len(members) != 1 || members[0].UserID != "u1" {
		t.Fatalf("members = %v, want 仅 u1", members)
	}
}

func TestMemoryPresence_RemoveAndSessions(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPresence()

	_ = p.Touch(ctx, "s1", "u1", "Alice", time.Minute)
	_ = p.Touch(ctx, "s2", "u2", "Bob", time.Minute)

	sessions, err := p.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions error: %v", err)
	}
	sort.Strings(sessions)
	if len(sessions) != 2 || sessions[0] != "s1" || sessions[1] != "s2" {
		t.Fatalf("sessions = %v, want [s1 s2]", sessions)
	}

	if err := p.Remove(ctx, "s1", "u1"); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	members, err := p.AliveMembers(ctx, "s1")
	if err != nil {
		t.Fatalf("AliveMembers error: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("移除后 members = %v, want 空", members)
	}
}

func TestRedisPresence_Roundtrip(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	ctx := context.Background()
	sid := "presence-test-session"
	defer func() {
		rdb.Del(ctx, sessionKey(sid), namesKey(sid))
		_ = rdb.Close()
	}()

	p := NewRedisPresence(rdb)
	if err := p.Touch(ctx, sid, "u1", "Alice", time.Minute); err != nil {
		t.Fatalf("Touch error: %v", err)
	}
	// ttl 为负：写进去就是过期的，读取时应被 Lua 清理
	if err := p.Touch(ctx, sid, "u2", "Bob", -time.Second); err != nil {
		t.Fatalf("Touch error: %v", err)
	}

	members, err := p.AliveMembers(ctx, sid)
	if err != nil {
		t.Fatalf("AliveMembers error: %v", err)
	}
	if len(members) != 1 || members[0].UserID != "u1" || members[0].Username != "Alice" {
		t.Fatalf("members = %v, want 仅 u1/Alice", members)
	}

	if err := p.Remove(ctx, sid, "u1"); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	members, err = p.AliveMembers(ctx, sid)
	if err != nil {
		t.Fatalf("AliveMembers error: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("移除后 members = %v, want 空", members)
	}
}
