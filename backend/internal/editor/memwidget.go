package editor

import "sync"

// MemWidget 是 Widget 的内存实现，供测试和终端 demo 使用。
// 行为对齐真实编辑器：程序性 ApplyEdit 同样触发 OnEdit 回调。
type MemWidget struct {
	mu         sync.Mutex
	text       []rune
	readOnly   bool
	language   string
	decs       map[int]Decoration
	nextHandle int
	subs       map[int]func(Edit)
	nextSub    int
}

func NewMemWidget() *MemWidget {
	return &MemWidget{
		readOnly: true,
		decs:     make(map[int]Decoration),
		subs:     make(map[int]func(Edit)),
	}
}

func (w *MemWidget) Text() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.text)
}

func (w *MemWidget) apply(e Edit) {
	if e.Offset < 0 || e.Offset > len(w.text) {
		return
	}
	end := e.Offset + e.Deleted
	if end > len(w.text) {
		end = len(w.text)
	}
	ins := []rune(e.Inserted)
	next := make([]rune, 0, len(w.text)-(end-e.Offset)+len(ins))
	next = append(next, w.text[:e.Offset]...)
	next = append(next, ins...)
	next = append(next, w.text[end:]...)
	w.text = next
}

func (w *MemWidget) ApplyEdit(e Edit) {
	w.mu.Lock()
	w.apply(e)
	subs := w.subsLocked()
	w.mu.Unlock()
	for _, fn := range subs {
		fn(e)
	}
}

// Type 模拟用户敲键盘。只读时编辑器不接受输入，也不触发事件。
func (w *MemWidget) Type(offset int, text string) {
	w.mu.Lock()
	if w.readOnly {
		w.mu.Unlock()
		return
	}
	e := Edit{Offset: offset, Inserted: text}
	w.apply(e)
	subs := w.subsLocked()
	w.mu.Unlock()
	for _, fn := range subs {
		fn(e)
	}
}

// Erase 模拟用户删除 n 个字符。
func (w *MemWidget) Erase(offset, n int) {
	w.mu.Lock()
	if w.readOnly {
		w.mu.Unlock()
		return
	}
	e := Edit{Offset: offset, Deleted: n}
	w.apply(e)
	subs := w.subsLocked()
	w.mu.Unlock()
	for _, fn := range subs {
		fn(e)
	}
}

func (w *MemWidget) SetReadOnly(ro bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.readOnly = ro
}

func (w *MemWidget) ReadOnly() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.readOnly
}

func (w *MemWidget) SetLanguage(lang string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.language = lang
}

func (w *MemWidget) Language() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.language
}

func (w *MemWidget) OnEdit(fn func(Edit)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextSub
	w.nextSub++
	w.subs[id] = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.subs, id)
	}
}

func (w *MemWidget) AddDecoration(d Decoration) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextHandle++
	w.decs[w.nextHandle] = d
	return w.nextHandle
}

func (w *MemWidget) RemoveDecoration(handle int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.decs, handle)
}

// Decorations 返回当前装饰快照（测试用）。
func (w *MemWidget) Decorations() []Decoration {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Decoration, 0, len(w.decs))
	for _, d := range w.decs {
		out = append(out, d)
	}
	return out
}

func (w *MemWidget) subsLocked() []func(Edit) {
	fns := make([]func(Edit), 0, len(w.subs))
	for _, fn := range w.subs {
		fns = append(fns, fn)
	}
	return fns
}
