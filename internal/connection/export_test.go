package connection

import "time"

type Timer = timer

// SetAfterFunc 替换重连定时器，用于记录退避间隔
func SetAfterFunc(m *Manager, fn func(d time.Duration, f func()) Timer) {
	m.after = fn
}
