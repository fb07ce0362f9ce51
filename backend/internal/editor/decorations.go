package editor

import (
	"fmt"
	"sync"

	"collabClient/backend/internal/presence"
	"collabClient/backend/internal/session"
)

// DecorationRenderer 消费在线状态表，在组件里画远端光标、选区和名字标签。
// 每次 presence 变化重算一遍远端条目，但按 clientId 记签名做差量：
// 没变的客户端不动组件；规模大了之后每个击键全量重画是扛不住的。
type DecorationRenderer struct {
	sess   *session.Session
	widget Widget

	mu      sync.Mutex
	applied map[string][]int  // clientId -> 已挂的装饰句柄
	sigs    map[string]string // clientId -> 上次渲染签名
	unsub   func()
}

func NewDecorationRenderer(sess *session.Session, widget Widget) *DecorationRenderer {
	r := &DecorationRenderer{
		sess:    sess,
		widget:  widget,
		applied: make(map[string][]int),
		sigs:    make(map[string]string),
	}
	if pres := sess.Presence(); pres != nil {
		r.unsub = pres.OnChange(func(presence.Change) { r.Render() })
	}
	r.Render()
	return r
}

// Render 重算并应用装饰。先删后加，避免同一客户端出现重影。
func (r *DecorationRenderer) Render() {
	pres := r.sess.Presence()
	if pres == nil {
		r.Clear()
		return
	}
	states := pres.States()
	local := pres.ClientID()
	docLen := len([]rune(r.widget.Text()))

	r.mu.Lock()
	defer r.mu.Unlock()

	// 不在场的客户端先清掉
	for id, handles := range r.applied {
		if _, ok := states[id]; ok && id != local {
			continue
		}
		for _, h := range handles {
			r.widget.RemoveDecoration(h)
		}
		delete(r.applied, id)
		delete(r.sigs, id)
	}

	for id, st := range states {
		if id == local {
			continue // 不给自己画光标
		}
		if st.User == nil || st.User.ID == "" {
			continue // 半初始化的远端条目，忽略
		}
		decs, sig := r.compute(id, st, docLen)
		if r.sigs[id] == sig {
			continue // 这个客户端没变，不碰组件
		}
		for _, h := range r.applied[id] {
			r.widget.RemoveDecoration(h)
		}
		handles := make([]int, 0, len(decs))
		for _, d := range decs {
			handles = append(handles, r.widget.AddDecoration(d))
		}
		r.applied[id] = handles
		r.sigs[id] = sig
	}
}

// compute 算出一个远端客户端应有的装饰集合和渲染签名。
// 偏移越界（远端刚把文档删短了，本地 presence 还没跟上）时跳过该项，
// 不抛错，也不影响同一轮里其他客户端的渲染。
func (r *DecorationRenderer) compute(id string, st presence.State, docLen int) ([]Decoration, string) {
	var decs []Decoration
	sig := ""
	if st.Cursor != nil && st.Cursor.Offset >= 0 && st.Cursor.Offset <= docLen {
		decs = append(decs, Decoration{
			Kind:     DecorationCursor,
			ClientID: id,
			Offset:   st.Cursor.Offset,
			Label:    st.User.DisplayName,
		})
		sig += fmt.Sprintf("c%d;", st.Cursor.Offset)
	}
	if st.Selection != nil && st.Selection.AnchorOffset != st.Selection.HeadOffset {
		from, to := st.Selection.AnchorOffset, st.Selection.HeadOffset
		if from > to {
			from, to = to, from
		}
		if from >= 0 && to <= docLen {
			decs = append(decs, Decoration{
				Kind:     DecorationSelection,
				ClientID: id,
				From:     from,
				To:       to,
			})
			sig += fmt.Sprintf("s%d-%d;", from, to)
		}
	}
	sig += "n" + st.User.DisplayName
	return decs, sig
}

// Clear 移除所有已挂装饰。
func (r *DecorationRenderer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, handles := range r.applied {
		for _, h := range handles {
			r.widget.RemoveDecoration(h)
		}
		delete(r.applied, id)
		delete(r.sigs, id)
	}
}

// Close 注销监听并清空装饰。可重复调用。
func (r *DecorationRenderer) Close() {
	r.mu.Lock()
	unsub := r.unsub
	r.unsub = nil
	r.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	r.Clear()
}
