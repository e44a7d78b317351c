package dispatch

import "time"

const (
	backoffBase = time.Second
	backoffCap  = 5 * time.Minute
)

// Backoff 返回第 attempt 次失败后的重试等待时间，指数增长并封顶。
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= backoffCap {
			return backoffCap
		}
	}
	if delay > backoffCap {
		return backoffCap
	}
	return delay
}
