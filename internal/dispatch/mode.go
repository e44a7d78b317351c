package dispatch

import (
	"time"
)

// Mode 表示执行单元的派发方式。
type Mode string

const (
	// ModeSync 在调用方协程内同步执行。
	ModeSync Mode = "sync"
	// ModeAsync 持久化后经队列由工作协程执行。
	ModeAsync Mode = "async"
)

// Hint 是调用方对单次派发的意向。
type Hint struct {
	// Enqueue 为 nil 时表示调用方不表态。
	Enqueue  *bool
	Backend  string
	Priority int
	RunAfter time.Time
}

// Policy 是服务定义层的派发策略。
type Policy struct {
	// RequireEnqueue 强制异步执行，调用方的同步意向被忽略。
	RequireEnqueue bool
	DefaultMode    Mode
	Backend        string
	Priority       int
	// RunAfter 是服务层的延迟执行时长，零值表示立即可执行。
	RunAfter   time.Duration
	MaxRetries int
}

// Defaults 是进程级的派发默认值。
type Defaults struct {
	Mode       Mode
	Backend    string
	Priority   int
	RunAfter   time.Duration
	MaxRetries int
}

// ResolveMode 按固定优先级决定派发方式：
// 服务的 RequireEnqueue 最先生效且不可被调用方降级，
// 随后依次是调用方意向、服务默认、进程默认，最后兜底为同步。
func ResolveMode(hint *Hint, policy Policy, defaults Defaults) Mode {
	if policy.RequireEnqueue {
		return ModeAsync
	}
	if hint != nil && hint.Enqueue != nil {
		if *hint.Enqueue {
			return ModeAsync
		}
		return ModeSync
	}
	if policy.DefaultMode != "" {
		return policy.DefaultMode
	}
	if defaults.Mode != "" {
		return defaults.Mode
	}
	return ModeSync
}

// ResolvePriority 决定执行单元的优先级，层级与 ResolveMode 一致：
// 调用方意向、服务策略、进程默认，最后兜底为零。
func ResolvePriority(hint *Hint, policy Policy, defaults Defaults) int {
	if hint != nil && hint.Priority != 0 {
		return hint.Priority
	}
	if policy.Priority != 0 {
		return policy.Priority
	}
	return defaults.Priority
}

// ResolveRunAfter 决定执行单元最早可执行的时刻（Unix 秒）。
// 调用方给出绝对时刻，服务策略与进程默认给出相对 now 的时长，
// 零值表示立即可执行。
func ResolveRunAfter(now time.Time, hint *Hint, policy Policy, defaults Defaults) int64 {
	if hint != nil && !hint.RunAfter.IsZero() {
		return hint.RunAfter.Unix()
	}
	if policy.RunAfter > 0 {
		return now.Add(policy.RunAfter).Unix()
	}
	if defaults.RunAfter > 0 {
		return now.Add(defaults.RunAfter).Unix()
	}
	return 0
}

// ResolveRetries 决定执行单元允许的最大尝试次数。
func ResolveRetries(policy Policy, defaults Defaults) int {
	if policy.MaxRetries > 0 {
		return policy.MaxRetries
	}
	if defaults.MaxRetries > 0 {
		return defaults.MaxRetries
	}
	return 1
}
