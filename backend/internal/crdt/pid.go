package crdt

// Pid 是 Logoot 风格的位置标识符：一串 (digit, site) 层级。
// 全序规则：逐层比较 digit，digit 相同再比较 site；公共前缀相同时短的在前。
// 任意两个副本对同一组 Pid 排序结果一致，这是收敛的前提。

const maxDigit uint32 = 1 << 16

type pidPart struct {
	Digit uint32 `msgpack:"d"`
	Site  string `msgpack:"s"`
}

type Pid []pidPart

func (p Pid) Compare(q Pid) int {
	n := len(p)
	if len(q) < n {
		n = len(q)
	}
	for i := 0; i < n; i++ {
		if p[i].Digit != q[i].Digit {
			if p[i].Digit < q[i].Digit {
				return -1
			}
			return 1
		}
		if p[i].Site != q[i].Site {
			if p[i].Site < q[i].Site {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(p) < len(q):
		return -1
	case len(p) > len(q):
		return 1
	}
	return 0
}

// pidBetween 生成一个严格位于 l 和 r 之间的新 Pid。
// l 为 nil 表示最小边界，r 为 nil 表示最大边界。
// 逐层找空隙：某层 digit 间隙大于 1 就取 left+1 并附上自己的 site；
// 没有空隙就沿着左边界下潜一层。并发时两个客户端可能取到相同的 digit，
// 但 site 不同，排序上仍然可分，且所有副本看到的先后一致。
func pidBetween(l, r Pid, site string) Pid {
	var out Pid
	// 一旦走到了 r 路径的左侧，更深的层级就不再受 r 约束
	rBounded := true
	for depth := 0; ; depth++ {
		lp := pidPart{Digit: 0, Site: ""}
		if depth < len(l) {
			lp = l[depth]
		}
		rd := maxDigit
		var rs string
		rKnown := false
		if rBounded && depth < len(r) {
			rd = r[depth].Digit
			rs = r[depth].Site
			rKnown = true
		}
		if rd-lp.Digit > 1 {
			return append(out, pidPart{Digit: lp.Digit + 1, Site: site})
		}
		// 本层没有空隙，继承左边界的这一层继续往下找
		out = append(out, lp)
		if !rKnown || rd > lp.Digit || rs != lp.Site {
			rBounded = false
		}
	}
}
