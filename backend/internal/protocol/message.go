package protocol

// 协作通道上的控制消息词汇表。
// 文档增量和在线状态增量都是不透明的二进制 delta（[]byte 在 JSON 中自动 base64），
// 通道本身不理解其内容，只负责按 FIFO 顺序转发。

const (
	// server -> client
	TypeInitialState    = "initial_state"    // 入会全量同步
	TypeDocUpdate       = "doc_update"       // 双向：文档增量
	TypeAwarenessUpdate = "awareness_update" // 双向：在线状态增量（含心跳重申）
	TypeMetadataChanged = "metadata_changed" // 双向：会话级配置变更
	TypeUserLeft        = "user_left"        // 仅通知，名单变化以 presence 为准
	TypeError           = "error"

	// client -> server
	TypeCloseSession = "close_session" // 房主结束会话
	TypeLeaveSession = "leave_session" // 普通成员离开
)

// 已知的 error 消息 code。
const (
	CodeSessionClosed = "SESSION_CLOSED" // 房主结束会话：编辑器应转只读，不是致命错误
	CodeUnauthorized  = "UNAUTHENTICATED"
)

type ClientMessage struct {
	Type     string `json:"type"`
	Delta    []byte `json:"delta,omitempty"`
	Language string `json:"language,omitempty"`
}

type SessionMetadata struct {
	Language string `json:"language"`
	OwnerID  string `json:"ownerId"`
}

type ServerMessage struct {
	Type string `json:"type"`
	// initial_state
	DocSnapshot      []byte `json:"docSnapshot,omitempty"`
	PresenceSnapshot []byte `json:"presenceSnapshot,omitempty"`
	// doc_update / awareness_update
	Delta []byte `json:"delta,omitempty"`
	// metadata_changed
	Metadata *SessionMetadata `json:"metadata,omitempty"`
	// user_left
	Username string `json:"username,omitempty"`
	// error
	Code    string `json:"code,omitempty"`
	Content string `json:"content,omitempty"`
}
