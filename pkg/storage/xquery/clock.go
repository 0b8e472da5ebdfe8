package xquery

import "time"

// Clock 是 Client 使用的时间来源。
// Now 必须携带单调时钟读数（time.Now 满足），staleness 与淘汰窗口基于 Now 的差值计算。
type Clock interface {
	Now() time.Time
	// AfterFunc 在 d 之后于独立 goroutine 中调用 f。
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer 是 Clock.AfterFunc 返回的定时器。
type Timer interface {
	// Stop 阻止定时器触发；返回 false 表示已触发或已停止。
	Stop() bool
}

// systemClock 基于 time 包的默认实现。
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemClock 返回基于 time 包的 Clock。
func SystemClock() Clock { return systemClock{} }
