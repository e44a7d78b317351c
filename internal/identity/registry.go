package identity

import (
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	xerrors "OpenLLM-Orchestra/internal/errors"
	"OpenLLM-Orchestra/pkg/logger"
)

// Policy 决定注册冲突与查找失败时的处理方式。
type Policy int

const (
	// PolicyStrict 在冲突或缺失时立即返回错误。
	PolicyStrict Policy = iota
	// PolicyLenient 记录警告并保留已有注册，查找缺失时交由调用方降级。
	PolicyLenient
)

// ParsePolicy 将配置字符串转换为 Policy，未知值退回 strict。
func ParsePolicy(raw string) Policy {
	if strings.EqualFold(strings.TrimSpace(raw), "lenient") {
		return PolicyLenient
	}
	return PolicyStrict
}

// String 实现 fmt.Stringer。
func (p Policy) String() string {
	if p == PolicyLenient {
		return "lenient"
	}
	return "strict"
}

// Registry 是按组件类型划分的身份注册表。
// 写操作持锁并整体替换快照，读操作无锁访问最近一次快照，
// 与进程生命周期内"启动注册、运行期只读"的使用方式匹配。
type Registry[T any] struct {
	name   string
	policy Policy
	logger *slog.Logger

	mu       sync.Mutex
	snapshot atomic.Value // map[Identity]T
}

// NewRegistry 创建一个注册表。name 仅用于日志标识。
func NewRegistry[T any](name string, policy Policy) *Registry[T] {
	r := &Registry[T]{
		name:   name,
		policy: policy,
		logger: logger.Named("registry"),
	}
	r.snapshot.Store(map[Identity]T{})
	return r
}

// Register 将组件注册到指定身份。
// 同一组件重复注册自身身份是幂等空操作；不同组件抢占已有身份视为冲突：
// strict 策略立即报错，lenient 策略记录警告并保留原注册，绝不静默覆盖。
func (r *Registry[T]) Register(id Identity, component T) error {
	if err := id.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.entries()
	if existing, ok := current[id]; ok {
		if sameComponent(existing, component) {
			return nil
		}
		if r.policy == PolicyStrict {
			return xerrors.Wrap(CodeIdentityCollision, ErrCollision,
				fmt.Sprintf("%s 注册表中 %s 已被其他组件占用", r.name, id))
		}
		r.logger.Warn("忽略冲突的组件注册",
			slog.String("registry", r.name),
			slog.String("identity", id.String()),
		)
		return nil
	}

	next := make(map[Identity]T, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[id] = component
	r.snapshot.Store(next)
	return nil
}

// Resolve 按回退链查找组件:
// (ns,kind,name) -> (ns,kind,default) -> (ns,default,default)。
func (r *Registry[T]) Resolve(id Identity) (T, bool) {
	entries := r.entries()
	for _, candidate := range id.Fallbacks() {
		if component, ok := entries[candidate]; ok {
			return component, true
		}
	}
	var zero T
	return zero, false
}

// Lookup 只做精确查找，不走回退链。
func (r *Registry[T]) Lookup(id Identity) (T, bool) {
	component, ok := r.entries()[id]
	return component, ok
}

// Require 与 Resolve 相同，未命中时返回 NOT_FOUND 错误。
func (r *Registry[T]) Require(id Identity) (T, error) {
	if component, ok := r.Resolve(id); ok {
		return component, nil
	}
	var zero T
	return zero, xerrors.New(xerrors.CodeNotFound,
		fmt.Sprintf("%s 注册表中找不到 %s", r.name, id))
}

// Snapshot 返回当前注册内容的副本。
func (r *Registry[T]) Snapshot() map[Identity]T {
	entries := r.entries()
	clone := make(map[Identity]T, len(entries))
	for k, v := range entries {
		clone[k] = v
	}
	return clone
}

// Identities 返回排序后的已注册身份列表。
func (r *Registry[T]) Identities() []Identity {
	entries := r.entries()
	ids := make([]Identity, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	return ids
}

// Len 返回已注册组件数量。
func (r *Registry[T]) Len() int {
	return len(r.entries())
}

// Reset 清空注册表，仅供测试和受控重载使用。
func (r *Registry[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshot.Store(map[Identity]T{})
}

func (r *Registry[T]) entries() map[Identity]T {
	return r.snapshot.Load().(map[Identity]T)
}

// sameComponent 判断两次注册是否指向同一组件对象。
// 不可比较类型（函数、包含切片的结构）一律视为不同组件。
func sameComponent[T any](a, b T) bool {
	av, bv := any(a), any(b)
	if av == nil || bv == nil {
		return av == nil && bv == nil
	}
	ta, tb := reflect.TypeOf(av), reflect.TypeOf(bv)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return av == bv
}
