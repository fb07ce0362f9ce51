package editor

import (
	"log"
	"sync"

	"collabClient/backend/internal/crdt"
	"collabClient/backend/internal/protocol"
	"collabClient/backend/internal/session"
)

// Binding 把副本文档和本地编辑组件双向接起来：
// 本地键入 -> 文档 delta（origin=local，随后上线广播）；
// 远端 delta -> 组件文本补丁（不触发再广播）。
// 连接态不是 connected 时组件强制只读并拆掉绑定：
// 发不出去的编辑一个都不能收。
type Binding struct {
	sess   *session.Session
	widget Widget

	mu       sync.Mutex
	attached bool
	applying bool // 正在回放远端编辑，此时组件的编辑事件是“我自己写的”

	unsubWidget func()
	unsubDoc    func()
	unsubState  func()
	unsubMeta   func()
}

func NewBinding(sess *session.Session, widget Widget) *Binding {
	b := &Binding{sess: sess, widget: widget}
	widget.SetReadOnly(true)
	if meta := sess.Metadata(); meta.Language != "" {
		widget.SetLanguage(meta.Language)
	}
	b.unsubState = sess.OnStateChange(func(st session.State) {
		if st == session.StateConnected {
			b.attach()
		} else {
			b.detach()
		}
	})
	// 语言切换只重定向组件的语法模式，不重建绑定，光标位置不丢
	b.unsubMeta = sess.OnMetadataChange(func(meta protocol.SessionMetadata) {
		if meta.Language != "" {
			widget.SetLanguage(meta.Language)
		}
	})
	if sess.State() == session.StateConnected {
		b.attach()
	}
	return b
}

func (b *Binding) attach() {
	b.mu.Lock()
	if b.attached {
		b.mu.Unlock()
		return
	}
	doc := b.sess.Doc()
	if doc == nil {
		b.mu.Unlock()
		return
	}
	b.attached = true
	b.applying = true
	b.mu.Unlock()

	// 重连/初连时把组件文本对齐到文档当前状态
	if cur, want := b.widget.Text(), doc.Text(); cur != want {
		b.widget.ApplyEdit(Edit{Offset: 0, Deleted: len([]rune(cur)), Inserted: want})
	}
	b.setApplying(false)

	unsubWidget := b.widget.OnEdit(func(e Edit) {
		if b.isApplying() {
			return
		}
		if e.Deleted > 0 {
			if err := doc.LocalDelete(e.Offset, e.Deleted); err != nil {
				log.Printf("local delete error: %v", err)
			}
		}
		if e.Inserted != "" {
			if err := doc.LocalInsert(e.Offset, e.Inserted); err != nil {
				log.Printf("local insert error: %v", err)
			}
		}
	})
	unsubDoc := doc.OnUpdate(func(ev crdt.UpdateEvent) {
		if ev.Origin != crdt.OriginRemote {
			return
		}
		b.setApplying(true)
		for _, te := range ev.Edits {
			b.widget.ApplyEdit(Edit{Offset: te.Offset, Deleted: te.Delete, Inserted: te.Insert})
		}
		b.setApplying(false)
	})

	b.mu.Lock()
	b.unsubWidget = unsubWidget
	b.unsubDoc = unsubDoc
	b.mu.Unlock()
	b.widget.SetReadOnly(false)
}

func (b *Binding) detach() {
	b.mu.Lock()
	unsubWidget, unsubDoc := b.unsubWidget, b.unsubDoc
	b.unsubWidget, b.unsubDoc = nil, nil
	b.attached = false
	b.mu.Unlock()
	if unsubWidget != nil {
		unsubWidget()
	}
	if unsubDoc != nil {
		unsubDoc()
	}
	b.widget.SetReadOnly(true)
}

// Close 彻底拆除绑定。可重复调用。
func (b *Binding) Close() {
	b.detach()
	b.mu.Lock()
	unsubState, unsubMeta := b.unsubState, b.unsubMeta
	b.unsubState, b.unsubMeta = nil, nil
	b.mu.Unlock()
	if unsubState != nil {
		unsubState()
	}
	if unsubMeta != nil {
		unsubMeta()
	}
}

func (b *Binding) isApplying() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applying
}

func (b *Binding) setApplying(v bool) {
	b.mu.Lock()
	b.applying = v
	b.mu.Unlock()
}
