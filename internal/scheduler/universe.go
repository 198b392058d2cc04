package scheduler

import "strings"

// Universe 是当前监控的交易对集合。
// 由 Scheduler 持有，只在持有 RunLock 的调度轮次内读写，本身不加锁。
type Universe struct {
	symbols []string
	index   map[string]struct{}
}

// NewUniverse 创建空的监控集合
func NewUniverse() *Universe {
	return &Universe{index: make(map[string]struct{})}
}

// Replace 用去重后的 symbols 覆盖当前集合，保持首次出现的顺序
func (u *Universe) Replace(symbols []string) {
	u.symbols = u.symbols[:0]
	u.index = make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := u.index[s]; dup {
			continue
		}
		u.index[s] = struct{}{}
		u.symbols = append(u.symbols, s)
	}
}

// Symbols 返回集合的副本
func (u *Universe) Symbols() []string {
	return append([]string(nil), u.symbols...)
}

func (u *Universe) Contains(symbol string) bool {
	_, ok := u.index[symbol]
	return ok
}

func (u *Universe) Len() int { return len(u.symbols) }
