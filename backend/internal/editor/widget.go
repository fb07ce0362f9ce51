package editor

// 文本编辑组件的窄接口。真正的富文本编辑器是第三方组件，
// 引擎只通过这几个口子跟它打交道：取文本、打补丁、收本地编辑事件、画装饰。

// Edit 是一次文本变更：在 Offset 处删 Deleted 个字符，再插入 Inserted。
type Edit struct {
	Offset   int
	Deleted  int
	Inserted string
}

type DecorationKind int

const (
	DecorationCursor    DecorationKind = iota // 零宽光标标记 + 名字标签
	DecorationSelection                       // 选区高亮
)

type Decoration struct {
	Kind     DecorationKind
	ClientID string
	Offset   int // cursor
	From     int // selection
	To       int
	Label    string
}

type Widget interface {
	Text() string
	// ApplyEdit 程序性变更。注意：真实编辑器对程序性变更同样会触发
	// 编辑事件，绑定层必须自己区分“我写的”和“用户敲的”。
	ApplyEdit(e Edit)
	SetReadOnly(ro bool)
	ReadOnly() bool
	SetLanguage(lang string)
	OnEdit(fn func(Edit)) func()
	AddDecoration(d Decoration) int
	RemoveDecoration(handle int)
}
