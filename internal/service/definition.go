package service

import (
	"fmt"
	"strings"
	"time"

	"OpenLLM-Orchestra/internal/dispatch"
	xerrors "OpenLLM-Orchestra/internal/errors"
	"OpenLLM-Orchestra/internal/identity"
	"OpenLLM-Orchestra/internal/provider"
	"OpenLLM-Orchestra/internal/schema"
)

// Kind 是服务在身份注册表中的 kind 段。
const Kind = "service"

// Definition 描述一个可调用的编排服务：提示词配方、目标供应商、
// 响应编解码方式与派发策略。
type Definition struct {
	Key identity.Identity
	// Recipe 是提示词配方里的修饰器键，支持 "ns.name" 简写。
	Recipe []string
	// Provider 指向供应商注册身份，零值时使用全局默认。
	Provider identity.Identity
	// CodecKind 是编解码器解析用的 kind，空值时取服务名。
	CodecKind string
	Model     string
	Tools     []provider.ToolDef
	Schema    *schema.Definition
	Dispatch  dispatch.Policy
	// Timeout 限制单次供应商调用，零值不限制。
	Timeout time.Duration
}

// Validate 检查定义是否完整。
func (d *Definition) Validate() error {
	if d == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "服务定义不能为空")
	}
	if d.Key.IsZero() {
		return xerrors.New(xerrors.CodeInvalidArgument, "服务定义缺少身份")
	}
	if d.Key.Kind != Kind {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("服务身份的 kind 必须是 %q，得到 %q", Kind, d.Key.Kind))
	}
	return nil
}

// codecKind 返回解析编解码器时使用的 kind。
func (d *Definition) codecKind() string {
	if d.CodecKind != "" {
		return d.CodecKind
	}
	return d.Key.Name
}

// NewRegistry 创建服务注册表。
func NewRegistry(policy identity.Policy) *identity.Registry[*Definition] {
	return identity.NewRegistry[*Definition]("service", policy)
}

// Register 校验并登记服务定义。
func Register(reg *identity.Registry[*Definition], def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	return reg.Register(def.Key, def)
}

// ParseKey 解析服务键。两段式 "ns.name" 展开为 (ns, "service", name)。
func ParseKey(key string) (identity.Identity, error) {
	parts := strings.Split(strings.TrimSpace(key), ".")
	switch len(parts) {
	case 2:
		return identity.New(parts[0], Kind, parts[1])
	case 3:
		return identity.New(parts[0], parts[1], parts[2])
	default:
		return identity.Identity{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("无法解析服务键 %q", key))
	}
}
