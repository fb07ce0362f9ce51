package crdt

import (
	"errors"
	"sort"
	"sync"
)

// Origin 标记一次变更的来源：本地编辑还是远端同步。
// 监听器只想响应“别人的变更”时，必须显式按这个标记过滤，
// 否则本地编辑 -> 广播 -> 回声 -> 再广播会形成死循环。
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

var (
	ErrDocDestroyed = errors.New("DOC_DESTROYED")
	ErrOutOfRange   = errors.New("OFFSET_OUT_OF_RANGE")
)

// AtomID 全局唯一标识一个字符：创建方 site + 该 site 的逻辑时钟。
type AtomID struct {
	Site  string `msgpack:"s"`
	Clock uint64 `msgpack:"c"`
}

// atom 是 CRDT 序列里的一个字符。删除只打墓碑不移除，
// 这样同一个 delete delta 应用两次是幂等的，乱序到达也能收敛。
type atom struct {
	id      AtomID
	pid     Pid
	value   rune
	deleted bool
}

// TextEdit 是一次可见文本变更（供 widget 按偏移量回放）。
type TextEdit struct {
	Offset int
	Insert string
	Delete int
}

// UpdateEvent 随每次文档变更分发给监听器。
// Delta 是可直接上线广播的二进制增量；Edits 是换算好的可见文本变更。
type UpdateEvent struct {
	Origin Origin
	Delta  []byte
	Edits  []TextEdit
}

// Doc 是副本文档容器。同一多重集的 delta 以任意顺序应用，
// 所有副本的 Text() 都收敛到同一字节序列。
type Doc struct {
	mu        sync.Mutex
	site      string
	clock     uint64
	atoms     []atom // 按 (pid, id) 全序排列，含墓碑
	pidByID   map[AtomID]Pid
	listeners map[int]func(UpdateEvent)
	nextSub   int
	destroyed bool
}

func NewDoc(site string) *Doc {
	return &Doc{
		site:      site,
		pidByID:   make(map[AtomID]Pid),
		listeners: make(map[int]func(UpdateEvent)),
	}
}

func (d *Doc) Site() string { return d.site }

// OnUpdate 注册变更监听，返回注销函数。会话拆除时必须注销，
// 悬空的监听器改写已销毁文档是正确性 bug。
func (d *Doc) OnUpdate(fn func(UpdateEvent)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.listeners[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.listeners, id)
	}
}

func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.textLocked()
}

func (d *Doc) textLocked() string {
	out := make([]rune, 0, len(d.atoms))
	for _, a := range d.atoms {
		if !a.deleted {
			out = append(out, a.value)
		}
	}
	return string(out)
}

func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, a := range d.atoms {
		if !a.deleted {
			n++
		}
	}
	return n
}

// Destroy 释放文档并清空监听器。可重复调用。
func (d *Doc) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = true
	d.atoms = nil
	d.pidByID = make(map[AtomID]Pid)
	d.listeners = make(map[int]func(UpdateEvent))
}

// sortIdx 返回 (pid, id) 在全序中的插入/查找下标。
func (d *Doc) sortIdx(pid Pid, id AtomID) int {
	return sort.Search(len(d.atoms), func(i int) bool {
		c := d.atoms[i].pid.Compare(pid)
		if c != 0 {
			return c > 0
		}
		a := d.atoms[i].id
		if a.Site != id.Site {
			return a.Site > id.Site
		}
		return a.Clock >= id.Clock
	})
}

// visibleIdx 找第 n 个可见字符的 atoms 下标；n == 可见长度时返回 len(atoms)。
func (d *Doc) visibleIdx(n int) int {
	seen := 0
	for i, a := range d.atoms {
		if a.deleted {
			continue
		}
		if seen == n {
			return i
		}
		seen++
	}
	return len(d.atoms)
}

// visibleOffset 统计下标 idx 之前有多少可见字符。
func (d *Doc) visibleOffset(idx int) int {
	n := 0
	for i := 0; i < idx; i++ {
		if !d.atoms[i].deleted {
			n++
		}
	}
	return n
}

func (d *Doc) insertAt(a atom) int {
	idx := d.sortIdx(a.pid, a.id)
	d.atoms = append(d.atoms, atom{})
	copy(d.atoms[idx+1:], d.atoms[idx:])
	d.atoms[idx] = a
	d.pidByID[a.id] = a.pid
	return idx
}

// findByID 按 id 定位 atom 下标（先用 pid 二分，再在相邻同 pid 里扫）。
func (d *Doc) findByID(id AtomID) (int, bool) {
	pid, ok := d.pidByID[id]
	if !ok {
		return 0, false
	}
	idx := sort.Search(len(d.atoms), func(i int) bool {
		return d.atoms[i].pid.Compare(pid) >= 0
	})
	for ; idx < len(d.atoms) && d.atoms[idx].pid.Compare(pid) == 0; idx++ {
		if d.atoms[idx].id == id {
			return idx, true
		}
	}
	return 0, false
}

// LocalInsert 在可见偏移 offset 处插入 text，广播增量（origin=local）。
func (d *Doc) LocalInsert(offset int, text string) error {
	if text == "" {
		return nil
	}
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDocDestroyed
	}
	visLen := 0
	for _, a := range d.atoms {
		if !a.deleted {
			visLen++
		}
	}
	if offset < 0 || offset > visLen {
		d.mu.Unlock()
		return ErrOutOfRange
	}

	var left, right Pid
	if offset > 0 {
		left = d.atoms[d.visibleIdx(offset-1)].pid
	}
	if offset < visLen {
		right = d.atoms[d.visibleIdx(offset)].pid
	}

	ops := make([]deltaOp, 0, len([]rune(text)))
	for _, r := range text {
		pid := pidBetween(left, right, d.site)
		d.clock++
		a := atom{id: AtomID{Site: d.site, Clock: d.clock}, pid: pid, value: r}
		d.insertAt(a)
		ops = append(ops, deltaOp{Kind: opInsert, ID: a.id, Pid: a.pid, Value: string(r)})
		left = pid
	}
	delta, err := encodeDelta(ops)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	ev := UpdateEvent{
		Origin: OriginLocal,
		Delta:  delta,
		Edits:  []TextEdit{{Offset: offset, Insert: text}},
	}
	fns := d.listenersLocked()
	d.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
	return nil
}

// LocalDelete 删除可见区间 [offset, offset+length)，广播增量（origin=local）。
func (d *Doc) LocalDelete(offset, length int) error {
	if length <= 0 {
		return nil
	}
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDocDestroyed
	}
	start := d.visibleIdx(offset)
	if start >= len(d.atoms) {
		d.mu.Unlock()
		return ErrOutOfRange
	}
	ops := make([]deltaOp, 0, length)
	removed := 0
	for i := start; i < len(d.atoms) && removed < length; i++ {
		a := &d.atoms[i]
		if a.deleted {
			continue
		}
		a.deleted = true
		ops = append(ops, deltaOp{Kind: opDelete, ID: a.id, Pid: a.pid})
		removed++
	}
	if removed < length {
		d.mu.Unlock()
		return ErrOutOfRange
	}
	delta, err := encodeDelta(ops)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	ev := UpdateEvent{
		Origin: OriginLocal,
		Delta:  delta,
		Edits:  []TextEdit{{Offset: offset, Delete: length}},
	}
	fns := d.listenersLocked()
	d.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
	return nil
}

// ApplyRemote 应用一条远端增量（origin=remote）。
// 幂等：已知的插入、已打墓碑的删除直接跳过。
// 交换：先到的 delete 会落成一个墓碑占位，后到的 insert 不再生效。
func (d *Doc) ApplyRemote(delta []byte) ([]TextEdit, error) {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil, ErrDocDestroyed
	}
	ops, err := decodeDelta(delta)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	var edits []TextEdit
	for _, op := range ops {
		switch op.Kind {
		case opInsert:
			if _, known := d.pidByID[op.ID]; known {
				continue // 重复投递，跳过（幂等）
			}
			value := []rune(op.Value)
			if len(value) == 0 {
				continue
			}
			idx := d.insertAt(atom{id: op.ID, pid: op.Pid, value: value[0]})
			edits = append(edits, TextEdit{Offset: d.visibleOffset(idx), Insert: op.Value})
		case opDelete:
			idx, ok := d.findByID(op.ID)
			if !ok {
				// delete 先于 insert 到达：直接落一个墓碑占位
				d.insertAt(atom{id: op.ID, pid: op.Pid, deleted: true})
				continue
			}
			if d.atoms[idx].deleted {
				continue
			}
			off := d.visibleOffset(idx)
			d.atoms[idx].deleted = true
			edits = append(edits, TextEdit{Offset: off, Delete: 1})
		}
	}
	ev := UpdateEvent{Origin: OriginRemote, Delta: delta, Edits: edits}
	fns := d.listenersLocked()
	d.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
	return edits, nil
}

func (d *Doc) listenersLocked() []func(UpdateEvent) {
	fns := make([]func(UpdateEvent), 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	return fns
}
