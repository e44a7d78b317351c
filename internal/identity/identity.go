package identity

import (
	"fmt"
	"strings"

	xerrors "OpenLLM-Orchestra/internal/errors"
)

// Identity 是组件的三段式稳定名称 (namespace, kind, name)。
// 提示片段、编解码器、模型供应商、服务等所有可插拔组件都通过它注册与查找。
type Identity struct {
	Namespace string
	Kind      string
	Name      string
}

// DefaultName 是回退查找时使用的保留名称。
const DefaultName = "default"

const (
	CodeIdentityInvalid   xerrors.Code = "IDENTITY_INVALID"
	CodeIdentityCollision xerrors.Code = "IDENTITY_COLLISION"
)

func init() {
	xerrors.Register(CodeIdentityInvalid, xerrors.Attributes{
		Message:   "invalid identity",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeIdentityCollision, xerrors.Attributes{
		Message:   "identity already registered",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// ErrCollision 表示同一身份被不同组件重复注册。
var ErrCollision = xerrors.New(CodeIdentityCollision, "identity already registered")

// New 构造并校验一个身份。三段均会做小写归一化，且不得为空或包含点号。
func New(namespace, kind, name string) (Identity, error) {
	id := Identity{
		Namespace: normalizeSegment(namespace),
		Kind:      normalizeSegment(kind),
		Name:      normalizeSegment(name),
	}
	if err := id.validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Parse 解析 "namespace.kind.name" 形式的身份字符串。
// 仅接受点号分隔，大小写不敏感。
func Parse(raw string) (Identity, error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 3 {
		return Identity{}, xerrors.New(CodeIdentityInvalid,
			fmt.Sprintf("身份必须是 namespace.kind.name 形式: %q", raw))
	}
	return New(parts[0], parts[1], parts[2])
}

// MustParse 与 Parse 相同，解析失败时 panic。仅用于常量初始化。
func MustParse(raw string) Identity {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// String 返回身份的规范字符串形式。
func (id Identity) String() string {
	return id.Namespace + "." + id.Kind + "." + id.Name
}

// IsZero 判断身份是否未赋值。
func (id Identity) IsZero() bool {
	return id.Namespace == "" && id.Kind == "" && id.Name == ""
}

// WithName 返回同一 namespace/kind 下替换 name 的身份。
func (id Identity) WithName(name string) Identity {
	id.Name = normalizeSegment(name)
	return id
}

// Fallbacks 返回逐级退化的查找顺序:
// (ns,kind,name) -> (ns,kind,default) -> (ns,default,default)。
func (id Identity) Fallbacks() []Identity {
	chain := []Identity{id}
	if id.Name != DefaultName {
		chain = append(chain, Identity{Namespace: id.Namespace, Kind: id.Kind, Name: DefaultName})
	}
	if id.Kind != DefaultName {
		chain = append(chain, Identity{Namespace: id.Namespace, Kind: DefaultName, Name: DefaultName})
	}
	return chain
}

func (id Identity) validate() error {
	for _, segment := range []string{id.Namespace, id.Kind, id.Name} {
		if segment == "" {
			return xerrors.New(CodeIdentityInvalid, fmt.Sprintf("身份段不能为空: %q", id.String()))
		}
		if strings.ContainsAny(segment, ". \t") {
			return xerrors.New(CodeIdentityInvalid, fmt.Sprintf("身份段包含非法字符: %q", segment))
		}
	}
	return nil
}

func normalizeSegment(segment string) string {
	return strings.ToLower(strings.TrimSpace(segment))
}
