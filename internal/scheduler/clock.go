package scheduler

import "time"

// onBoundary 判断 t 是否落在 every 的整倍数时刻之后 tolerance 以内
func onBoundary(t time.Time, every, tolerance time.Duration) bool {
	offset := t.Sub(t.Truncate(every))
	return offset <= tolerance
}

// nextManageWake 返回下一个 every 整点
func nextManageWake(now time.Time, every time.Duration) time.Time {
	return now.Truncate(every).Add(every)
}

// nextScanWake 返回下一根 K 线收盘时刻再加上 settle。
// 刚过收盘但还没到 settle 时，仍然返回本根 K 线的唤醒时刻。
func nextScanWake(now time.Time, every, settle time.Duration) time.Time {
	if wake := now.Truncate(every).Add(settle); wake.After(now) {
		return wake
	}
	return now.Truncate(every).Add(every).Add(settle)
}
