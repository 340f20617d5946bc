package retry

import (
	"context"
	"time"

	chatErrors "github.com/yourjinKR/myFitSync-sub000/internal/errors"
)

// ErrAttemptsExhausted 重试次数用尽
var ErrAttemptsExhausted = chatErrors.ErrRetryExhausted

// Policy 有界重试策略
// Multiplier 为 1 时是固定间隔，为 2 时是指数退避
type Policy struct {
	MaxAttempts int           // 最大尝试次数
	Interval    time.Duration // 首次间隔
	Multiplier  int           // 间隔倍数
	MaxInterval time.Duration // 间隔上限（0 表示不设上限）
}

// Fixed 固定间隔策略
func Fixed(attempts int, interval time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Interval: interval, Multiplier: 1}
}

// Exponential 指数退避策略：min(base*2^(k-1), cap)
func Exponential(attempts int, base, cap time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Interval: base, Multiplier: 2, MaxInterval: cap}
}

// Delay 第 k 次重试前的等待时间（k 从 1 开始）
func (p Policy) Delay(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := p.Interval
	for i := 1; i < k; i++ {
		next := delay * time.Duration(mult)
		// 溢出或超过上限时停止增长
		if next < delay || (p.MaxInterval > 0 && next >= p.MaxInterval) {
			delay = next
			break
		}
		delay = next
	}
	if p.MaxInterval > 0 && (delay > p.MaxInterval || delay < 0) {
		delay = p.MaxInterval
	}
	return delay
}

// Exhausted 已失败 failures 次后是否不应再重试
func (p Policy) Exhausted(failures int) bool {
	return p.MaxAttempts > 0 && failures > p.MaxAttempts
}

// Do 执行 fn 直到成功、次数用尽或 ctx 取消
// fn 返回 (true, nil) 表示完成；(false, nil) 表示需要重试；非 nil 错误立即返回
func (p Policy) Do(ctx context.Context, fn func(attempt int) (bool, error)) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		done, err := fn(attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if attempt >= attempts {
			return ErrAttemptsExhausted
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
