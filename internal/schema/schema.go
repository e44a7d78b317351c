package schema

import (
	"fmt"

	xerrors "OpenLLM-Orchestra/internal/errors"
	"OpenLLM-Orchestra/internal/identity"
)

// Presence 描述结构化输出字段在何种条件下出现。
type Presence int

const (
	// PresenceAlways 字段始终必填。
	PresenceAlways Presence = iota
	// PresenceOptional 字段始终可空。
	PresenceOptional
	// PresenceWhenInitial 仅在初次生成时必填，后续轮次可空。
	PresenceWhenInitial
	// PresenceDisabled 字段被禁用，只允许 null。
	PresenceDisabled
)

// Field 描述结构化输出中的一个字段。
type Field struct {
	Type        string
	Presence    Presence
	Description string
	// Items 声明数组元素的类型名，供供应商 schema 覆盖替换。
	Items string
}

// Definition 是引擎内规范的结构化输出 schema：
// 一个显式带 strict 标志的 JSON Schema object。
type Definition struct {
	Identity identity.Identity
	Strict   bool
	Fields   map[string]Field
}

const CodeSchemaViolation xerrors.Code = "SCHEMA_VIOLATION"

func init() {
	xerrors.Register(CodeSchemaViolation, xerrors.Attributes{
		Message:   "value does not match schema",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Clone 返回 Definition 的深拷贝。
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	clone := &Definition{Identity: d.Identity, Strict: d.Strict}
	if d.Fields != nil {
		clone.Fields = make(map[string]Field, len(d.Fields))
		for name, field := range d.Fields {
			clone.Fields[name] = field
		}
	}
	return clone
}

// JSON 渲染为 JSON Schema object。
// initial 标志决定 PresenceWhenInitial 字段渲染为裸类型还是可空联合。
func (d *Definition) JSON(initial bool) map[string]any {
	properties := make(map[string]any, len(d.Fields))
	required := make([]string, 0, len(d.Fields))
	for name, field := range d.Fields {
		properties[name] = field.render(initial)
		// strict 模式下所有属性都出现在 required 里，可空性由类型联合表达。
		if d.Strict || field.required(initial) {
			required = append(required, name)
		}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
		"strict":               d.Strict,
	}
}

// render 将出现条件映射为裸类型、可空联合或字面 null。
func (f Field) render(initial bool) map[string]any {
	rendered := map[string]any{}
	switch f.Presence {
	case PresenceDisabled:
		rendered["type"] = "null"
	case PresenceOptional:
		rendered["type"] = []any{f.Type, "null"}
	case PresenceWhenInitial:
		if initial {
			rendered["type"] = f.Type
		} else {
			rendered["type"] = []any{f.Type, "null"}
		}
	default:
		rendered["type"] = f.Type
	}
	if f.Description != "" {
		rendered["description"] = f.Description
	}
	if f.Items != "" {
		rendered["items"] = map[string]any{"$ref": "#/$defs/" + f.Items}
	}
	return rendered
}

func (f Field) required(initial bool) bool {
	switch f.Presence {
	case PresenceAlways:
		return true
	case PresenceWhenInitial:
		return initial
	default:
		return false
	}
}

// Validate 校验一个候选值是否满足 schema。
// 只做引擎需要的浅层检查：必填字段存在、基础类型匹配、禁用字段为空。
func (d *Definition) Validate(value map[string]any) error {
	if d == nil {
		return nil
	}
	for name, field := range d.Fields {
		raw, present := value[name]
		if !present || raw == nil {
			if field.required(true) {
				return xerrors.New(CodeSchemaViolation,
					fmt.Sprintf("缺少必填字段 %q", name))
			}
			continue
		}
		if field.Presence == PresenceDisabled {
			return xerrors.New(CodeSchemaViolation,
				fmt.Sprintf("字段 %q 已禁用，不接受非空值", name))
		}
		if !typeMatches(field.Type, raw) {
			return xerrors.New(CodeSchemaViolation,
				fmt.Sprintf("字段 %q 期望 %s，得到 %T", name, field.Type, raw))
		}
	}
	if d.Strict {
		for name := range value {
			if _, ok := d.Fields[name]; !ok {
				return xerrors.New(CodeSchemaViolation,
					fmt.Sprintf("strict schema 不接受未声明字段 %q", name))
			}
		}
	}
	return nil
}

func typeMatches(typ string, value any) bool {
	switch typ {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "integer":
		switch v := value.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		// 未知类型名交由供应商侧校验。
		return true
	}
}
