package presence

import (
	"testing"
	"time"
)

func TestRegistry_SetLocalStateMerge(t *testing.T) {
	r := NewRegistry("c1", time.Minute)
	if err := r.SetLocalState(StatePatch{User: &User{ID: "u1", DisplayName: "Alice"}}); err != nil {
		t.Fatalf("SetLocalState() error = %v", err)
	}
	if err := r.SetLocalState(StatePatch{Cursor: &Cursor{Offset: 3}}); err != nil {
		t.Fatalf("SetLocalState() error = %v", err)
	}

	st, ok := r.LocalState()
	if !ok {
		t.Fatal("LocalState() 应存在")
	}
	// 合并式更新：没给的字段保持原值
	if st.User == nil || st.User.DisplayName != "Alice" {
		t.Fatalf("User 字段被覆盖: %+v", st.User)
	}
	if st.Cursor == nil || st.Cursor.Offset != 3 {
		t.Fatalf("Cursor = %+v, want offset 3", st.Cursor)
	}
}

func TestRegistry_ApplyRemoteLWW(t *testing.T) {
	a := NewRegistry("a", time.Minute)
	b := NewRegistry("b", time.Minute)

	if err := a.SetLocalState(StatePatch{User: &User{ID: "u1", DisplayName: "v1"}}); err != nil {
		t.Fatalf("SetLocalState() error = %v", err)
	}
	old, err := a.EncodeLocal()
	if err != nil {
		t.Fatalf("EncodeLocal() error = %v", err)
	}
	if err := a.SetLocalState(StatePatch{User: &User{ID: "u1", DisplayName: "v2"}}); err != nil {
		t.Fatalf("SetLocalState() error = %v", err)
	}
	newer, err := a.EncodeLocal()
	if err != nil {
		t.Fatalf("EncodeLocal() error = %v", err)
	}

	// 新时钟先到，旧时钟后到：旧的不能把新的覆盖回去
	if err := b.ApplyRemote(newer); err != nil {
		t.Fatalf("ApplyRemote() error = %v", err)
	}
	if err := b.ApplyRemote(old); err != nil {
		t.Fatalf("ApplyRemote() error = %v", err)
	}
	st := b.States()["a"]
	if st.User == nil || st.User.DisplayName != "v2" {
		t.Fatalf("旧消息覆盖了新状态: %+v", st.User)
	}
}

// 自己的条目以本地为准，远端回声不生效。
func TestRegistry_ApplyRemoteSkipsOwnEntry(t *testing.T) {
	r := NewRegistry("c1", time.Minute)
	if err := r.SetLocalState(StatePatch{User: &User{ID: "u1", DisplayName: "mine"}}); err != nil {
		t.Fatalf("SetLocalState() error = %v", err)
	}

	other := NewRegistry("c1", time.Minute)
	if err := other.SetLocalState(StatePatch{User: &User{ID: "u1", DisplayName: "echo"}}); err != nil {
		t.Fatalf("SetLocalState() error = %v", err)
	}
	echo, err := other.EncodeLocal()
	if err != nil {
		t.Fatalf("EncodeLocal() error = %v", err)
	}

	fired := 0
	r.OnChange(func(Change) { fired++ })
	if err := r.ApplyRemote(echo); err != nil {
		t.Fatalf("ApplyRemote() error = %v", err)
	}
	if fired != 0 {
		t.Fatalf("回声不应触发 change, fired=%d", fired)
	}
	st, _ := r.LocalState()
	if st.User.DisplayName != "mine" {
		t.Fatalf("本地条目被回声覆盖: %+v", st.User)
	}
}

// 时钟相同的重发是心跳：状态不动，只刷新存活时间。
func TestRegistry_HeartbeatRefreshesLiveness(t *testing.T) {
	a := NewRegistry("a", 50*time.Millisecond)
	b := NewRegistry("b", 50*time.Millisecond)
	if err := b.SetLocalState(StatePatch{User: &User{ID: "u2", DisplayName: "Bob"}}); err != nil {
		t.Fatalf("SetLocalState() error = %v", err)
	}
	hb, err := b.EncodeLocal()
	if err != nil {
		t.Fatalf("EncodeLocal() error = %v", err)
	}

	if err := a.ApplyRemote(hb); err != nil {
		t.Fatalf("ApplyRemote() error = %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	// 再收一次同时钟心跳，续命
	if err := a.ApplyRemote(hb); err != nil {
		t.Fatalf("ApplyRemote() error = %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if removed := a.PruneExpired(); len(removed) != 0 {
		t.Fatalf("刚续过命不应被清除: %v", removed)
	}
	// 超过窗口不再心跳，应被清除
	time.Sleep(60 * time.Millisecond)
	if removed := a.PruneExpired(); len(removed) != 1 || removed[0] != "b" {
		t.Fatalf("PruneExpired() = %v, want [b]", removed)
	}
}

// 本地条目永不被清除。
func TestRegistry_PruneNeverRemovesLocal(t *testing.T) {
	r := NewRegistry("c1", time.Millisecond)
	if err := r.SetLocalState(StatePatch{User: &User{ID: "u1", DisplayName: "me"}}); err != nil {
		t.Fatalf("SetLocalState() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if removed := r.PruneExpired(); len(removed) != 0 {
		t.Fatalf("本地条目被清除了: %v", removed)
	}
	if _, ok := r.LocalState(); !ok {
		t.Fatal("本地条目应仍然存在")
	}
}

func TestRegistry_LeaveRemovesEntry(t *testing.T) {
	a := NewRegistry("a", time.Minute)
	b := NewRegistry("b", time.Minute)
	if err := b.SetLocalState(StatePatch{User: &User{ID: "u2", DisplayName: "Bob"}}); err != nil {
		t.Fatalf("SetLocalState() error = %v", err)
	}
	join, err := b.EncodeLocal()
	if err != nil {
		t.Fatalf("EncodeLocal() error = %v", err)
	}
	leave, err := b.EncodeLeave()
	if err != nil {
		t.Fatalf("EncodeLeave() error = %v", err)
	}

	if err := a.ApplyRemote(join); err != nil {
		t.Fatalf("ApplyRemote(join) error = %v", err)
	}
	var removed []string
	a.OnChange(func(ch Change) { removed = append(removed, ch.Removed...) })
	if err := a.ApplyRemote(leave); err != nil {
		t.Fatalf("ApplyRemote(leave) error = %v", err)
	}
	if len(removed) != 1 || removed[0] != "b" {
		t.Fatalf("removed = %v, want [b]", removed)
	}
	if _, ok := a.States()["b"]; ok {
		t.Fatal("离开后条目应被移除")
	}
}

// 快照互换后双方看到同一组参与者。
func TestRegistry_SnapshotExchange(t *testing.T) {
	a := NewRegistry("a", time.Minute)
	b := NewRegistry("b", time.Minute)
	if err := a.SetLocalState(StatePatch{User: &User{ID: "u1", DisplayName: "Alice"}}); err != nil {
		t.Fatalf("SetLocalState() error = %v", err)
	}
	if err := b.SetLocalState(StatePatch{User: &User{ID: "u2", DisplayName: "Bob"}}); err != nil {
		t.Fatalf("SetLocalState() error = %v", err)
	}

	snapA, err := a.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	snapB, err := b.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if err := a.ApplySnapshot(snapB); err != nil {
		t.Fatalf("ApplySnapshot() error = %v", err)
	}
	if err := b.ApplySnapshot(snapA); err != nil {
		t.Fatalf("ApplySnapshot() error = %v", err)
	}
	if len(a.States()) != 2 || len(b.States()) != 2 {
		t.Fatalf("States 数量: a=%d b=%d, want 2/2", len(a.States()), len(b.States()))
	}
}

func TestRegistry_DestroyIdempotent(t *testing.T) {
	r := NewRegistry("c1", time.Minute)
	r.Destroy()
	r.Destroy()
	if err := r.SetLocalState(StatePatch{Typing: boolPtr(true)}); err != ErrRegistryDestroyed {
		t.Fatalf("销毁后 SetLocalState 应返回 ErrRegistryDestroyed, got %v", err)
	}
}

func boolPtr(b bool) *bool { return &b }
