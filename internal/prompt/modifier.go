package prompt

import (
	"context"
	"fmt"
	"strings"

	xerrors "OpenLLM-Orchestra/internal/errors"
	"OpenLLM-Orchestra/internal/identity"
)

// Phase 是修饰器的排序阶段，构成固定的全序。
// 无论注册顺序如何，渲染结果都按阶段顺序排列。
type Phase int

const (
	PhaseDefaults Phase = iota
	PhasePersona
	PhaseDomain
	PhaseHistory
	PhaseTask
	PhaseSafety
	PhaseRender
)

var phaseNames = map[Phase]string{
	PhaseDefaults: "defaults",
	PhasePersona:  "persona",
	PhaseDomain:   "domain",
	PhaseHistory:  "history",
	PhaseTask:     "task",
	PhaseSafety:   "safety",
	PhaseRender:   "render",
}

// String 实现 fmt.Stringer。
func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// ModifierKind 是修饰器在身份注册表中的 kind 段。
const ModifierKind = "modifier"

const CodePlanningFailed xerrors.Code = "PLANNING_FAILED"

func init() {
	xerrors.Register(CodePlanningFailed, xerrors.Attributes{
		Message:   "prompt planning failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Context 是一次组合调用的共享上下文。
// 修饰器只读访问，字段均可 JSON 序列化以支持异步执行。
type Context struct {
	User           string         `json:"user,omitempty"`
	Role           string         `json:"role,omitempty"`
	Target         string         `json:"target,omitempty"`
	Values         map[string]any `json:"values,omitempty"`
	DisabledPhases []string       `json:"disabled_phases,omitempty"`
}

// Value 读取任意上下文键，缺失时返回 nil。
func (c *Context) Value(key string) any {
	if c == nil || c.Values == nil {
		return nil
	}
	return c.Values[key]
}

// StringValue 读取字符串形式的上下文键。
func (c *Context) StringValue(key string) string {
	if v, ok := c.Value(key).(string); ok {
		return v
	}
	return ""
}

// PhaseDisabled 判断某个阶段是否被调用方显式关闭。
func (c *Context) PhaseDisabled(phase Phase) bool {
	if c == nil {
		return false
	}
	for _, name := range c.DisabledPhases {
		if strings.EqualFold(strings.TrimSpace(name), phase.String()) {
			return true
		}
	}
	return false
}

// Func 是修饰器的执行函数。返回零个、一个或多个片段。
type Func func(ctx context.Context, pc *Context) ([]Section, error)

// Meta 驱动规划阶段的排序与依赖展开。
type Meta struct {
	Key      identity.Identity
	Phase    Phase
	Requires []identity.Identity
	Default  bool
	Priority int
}

// Modifier 是一个具名、带阶段标签的片段生产者。
type Modifier struct {
	Meta Meta
	Run  Func
}

// ParseKey 解析修饰器键。
// 既接受完整三段身份 "ns.modifier.name"，也接受 "ns.name" 简写，
// 简写会被展开为 (ns, modifier, name)。
func ParseKey(raw string) (identity.Identity, error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	switch len(parts) {
	case 2:
		return identity.New(parts[0], ModifierKind, parts[1])
	case 3:
		return identity.New(parts[0], parts[1], parts[2])
	default:
		return identity.Identity{}, xerrors.New(CodePlanningFailed,
			fmt.Sprintf("无法解析修饰器键: %q", raw))
	}
}

// NewRegistry 创建修饰器注册表。
func NewRegistry(policy identity.Policy) *identity.Registry[*Modifier] {
	return identity.NewRegistry[*Modifier]("modifier", policy)
}

// Register 以键与元信息注册一个修饰器，供启动例程集中调用。
func Register(reg *identity.Registry[*Modifier], meta Meta, run Func) error {
	if run == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "修饰器函数不能为空")
	}
	return reg.Register(meta.Key, &Modifier{Meta: meta, Run: run})
}
