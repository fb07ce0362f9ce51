package cache

import "fmt"

// 键语义：
// - sessionKey(sid):       会话在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(sid):         会话内 userId→username 映射（Hash）

const (
	keySessionFmt = "presence:session:{sid:%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt   = "presence:session:names:{sid:%s}" // Hash<userId -> username>
)

func sessionKey(sid string) string { return fmt.Sprintf(keySessionFmt, sid) }
func namesKey(sid string) string   { return fmt.Sprintf(keyNamesFmt, sid) }
