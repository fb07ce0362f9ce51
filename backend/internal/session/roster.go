package session

import (
	"sort"

	"collabClient/backend/internal/presence"
)

// BuildRoster 把在线状态表投影成去重后的参与者名单。
// 纯读模型：同一用户的多个 clientId（多标签页/重连）折叠成一条，
// 没有 user 字段的半初始化条目直接过滤掉。
func BuildRoster(states map[string]presence.State) []presence.User {
	seen := make(map[string]presence.User)
	for _, st := range states {
		if st.User == nil || st.User.ID == "" {
			continue
		}
		seen[st.User.ID] = *st.User
	}
	out := make([]presence.User, 0, len(seen))
	for _, u := range seen {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
