package queue

import "time"

// Backoff 是指数退避策略：Delay(n) = min(Base * 2^n, Max)
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff 返回默认的退避配置
func DefaultBackoff() Backoff {
	return Backoff{
		Base: 60 * time.Second,
		Max:  6 * time.Hour,
	}
}

// Delay 计算第 n 次失败（n 为失败前已消耗的尝试次数，从 0 开始）之后的等待时间
func (b Backoff) Delay(n int) time.Duration {
	base, ceiling := b.Base, b.Max
	if base <= 0 {
		base = time.Second
	}
	if ceiling < base {
		ceiling = base
	}
	if n < 0 {
		n = 0
	}

	delay := base
	for i := 0; i < n; i++ {
		// 提前截断，避免乘法溢出
		if delay >= ceiling/2 {
			return ceiling
		}
		delay *= 2
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

// Decision 是一次失败之后的处置结果
type Decision struct {
	// Terminal 为 true 表示记录进入 FAILED 终态
	Terminal bool
	// Attempts 是写回数据库的新尝试次数
	Attempts int
	// NextEligibleAt 仅在 Terminal 为 false 时有意义
	NextEligibleAt time.Time
}

// Decide 根据失败前的尝试次数计算重试或终止
func (b Backoff) Decide(now time.Time, prevAttempts, maxAttempts int) Decision {
	attempts := prevAttempts + 1
	if attempts >= maxAttempts {
		return Decision{Terminal: true, Attempts: attempts}
	}
	return Decision{
		Attempts:       attempts,
		NextEligibleAt: now.Add(b.Delay(prevAttempts)),
	}
}
