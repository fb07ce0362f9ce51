package editor

import (
	"testing"
	"time"

	"collabClient/backend/internal/presence"
	"collabClient/backend/internal/protocol"
)

// countingWidget 包一层 MemWidget，统计装饰增删次数。
type countingWidget struct {
	*MemWidget
	adds, removes int
}

func (w *countingWidget) AddDecoration(d Decoration) int {
	w.adds++
	return w.MemWidget.AddDecoration(d)
}

func (w *countingWidget) RemoveDecoration(handle int) {
	w.removes++
	w.MemWidget.RemoveDecoration(handle)
}

// remoteAwareness 构造一条来自另一个客户端的 awareness delta。
func remoteAwareness(t *testing.T, clientID string, patch presence.StatePatch) []byte {
	t.Helper()
	reg := presence.NewRegistry(clientID, time.Minute)
	if err := reg.SetLocalState(patch); err != nil {
		t.Fatalf("SetLocalState() error = %v", err)
	}
	b, err := reg.EncodeLocal()
	if err != nil {
		t.Fatalf("EncodeLocal() error = %v", err)
	}
	return b
}

func TestDecorationRenderer_DrawsRemoteCursor(t *testing.T) {
	s, sc := newConnectedSession(t)
	defer s.Close()
	w := NewMemWidget()
	w.SetReadOnly(false)
	w.Type(0, "hello")
	r := NewDecorationRenderer(s, w)
	defer r.Close()

	sc.h.OnMessage(protocol.ServerMessage{
		Type: protocol.TypeAwarenessUpdate,
		Delta: remoteAwareness(t, "peer1", presence.StatePatch{
			User:   &presence.User{ID: "u2", DisplayName: "Bob"},
			Cursor: &presence.Cursor{Offset: 3},
		}),
	})

	decs := w.Decorations()
	if len(decs) != 1 {
		t.Fatalf("装饰数量 = %d, want 1", len(decs))
	}
	d := decs[0]
	if d.Kind != DecorationCursor || d.ClientID != "peer1" || d.Offset != 3 || d.Label != "Bob" {
		t.Fatalf("装饰 = %+v", d)
	}
}

// 自己的条目不画装饰。
func TestDecorationRenderer_SkipsLocalClient(t *testing.T) {
	s, _ := newConnectedSession(t)
	defer s.Close()
	w := NewMemWidget()
	w.SetReadOnly(false)
	w.Type(0, "hello")
	r := NewDecorationRenderer(s, w)
	defer r.Close()

	s.SetCursor(2)
	if got := len(w.Decorations()); got != 0 {
		t.Fatalf("本地光标不应产生装饰, got %d", got)
	}
}

// 越界偏移跳过该项，不影响其他客户端。
func TestDecorationRenderer_SkipsOutOfRange(t *testing.T) {
	s, sc := newConnectedSession(t)
	defer s.Close()
	w := NewMemWidget()
	w.SetReadOnly(false)
	w.Type(0, "ab")
	r := NewDecorationRenderer(s, w)
	defer r.Close()

	sc.h.OnMessage(protocol.ServerMessage{
		Type: protocol.TypeAwarenessUpdate,
		Delta: remoteAwareness(t, "peer1", presence.StatePatch{
			User:   &presence.User{ID: "u2", DisplayName: "Bob"},
			Cursor: &presence.Cursor{Offset: 99},
		}),
	})
	sc.h.OnMessage(protocol.ServerMessage{
		Type: protocol.TypeAwarenessUpdate,
		Delta: remoteAwareness(t, "peer2", presence.StatePatch{
			User:   &presence.User{ID: "u3", DisplayName: "Carol"},
			Cursor: &presence.Cursor{Offset: 1},
		}),
	})

	decs := w.Decorations()
	if len(decs) != 1 || decs[0].ClientID != "peer2" {
		t.Fatalf("装饰 = %+v, want 仅 peer2", decs)
	}
}

// 没变的客户端不碰组件（签名差量）。
func TestDecorationRenderer_SignatureDiffing(t *testing.T) {
	s, sc := newConnectedSession(t)
	defer s.Close()
	w := &countingWidget{MemWidget: NewMemWidget()}
	w.SetReadOnly(false)
	w.MemWidget.ApplyEdit(Edit{Offset: 0, Inserted: "hello"})
	r := NewDecorationRenderer(s, w)
	defer r.Close()

	bobCursor := remoteAwareness(t, "peer1", presence.StatePatch{
		User:   &presence.User{ID: "u2", DisplayName: "Bob"},
		Cursor: &presence.Cursor{Offset: 1},
	})
	sc.h.OnMessage(protocol.ServerMessage{Type: protocol.TypeAwarenessUpdate, Delta: bobCursor})
	addsAfterFirst := w.adds

	// 同一份状态再到一次（心跳重申不触发 change），另来一个无关客户端的更新
	sc.h.OnMessage(protocol.ServerMessage{
		Type: protocol.TypeAwarenessUpdate,
		Delta: remoteAwareness(t, "peer2", presence.StatePatch{
			User:   &presence.User{ID: "u3", DisplayName: "Carol"},
			Cursor: &presence.Cursor{Offset: 2},
		}),
	})
	if w.adds <= addsAfterFirst {
		t.Fatal("peer2 的装饰没画上")
	}
	if got := w.removes; got != 0 {
		t.Fatalf("peer1 没变不应被重画, removes = %d", got)
	}
}

// 客户端离场后装饰被移除。
func TestDecorationRenderer_RemovesDeparted(t *testing.T) {
	s, sc := newConnectedSession(t)
	defer s.Close()
	w := NewMemWidget()
	w.SetReadOnly(false)
	w.Type(0, "hello")
	r := NewDecorationRenderer(s, w)
	defer r.Close()

	sc.h.OnMessage(protocol.ServerMessage{
		Type: protocol.TypeAwarenessUpdate,
		Delta: remoteAwareness(t, "peer1", presence.StatePatch{
			User:   &presence.User{ID: "u2", DisplayName: "Bob"},
			Cursor: &presence.Cursor{Offset: 1},
		}),
	})
	if len(w.Decorations()) != 1 {
		t.Fatal("前置：peer1 的装饰应已画上")
	}

	leaveReg := presence.NewRegistry("peer1", time.Minute)
	if err := leaveReg.SetLocalState(presence.StatePatch{User: &presence.User{ID: "u2", DisplayName: "Bob"}}); err != nil {
		t.Fatalf("SetLocalState() error = %v", err)
	}
	leave, err := leaveReg.EncodeLeave()
	if err != nil {
		t.Fatalf("EncodeLeave() error = %v", err)
	}
	sc.h.OnMessage(protocol.ServerMessage{Type: protocol.TypeAwarenessUpdate, Delta: leave})

	if got := len(w.Decorations()); got != 0 {
		t.Fatalf("离场后装饰未清除, got %d", got)
	}
}
