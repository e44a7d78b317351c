package provider

import (
	"fmt"

	xerrors "OpenLLM-Orchestra/internal/errors"
)

// OverrideTable 记录某个供应商对规范类型名的替换规则。
// 表在启动时显式构建并校验可逆，之后只读。
type OverrideTable struct {
	provider string
	// wrapper 是供应商包裹结构化输出的外层字段名，空表示不包裹。
	wrapper string
	promote map[string]string
	demote  map[string]string
}

// NewOverrideTable 构建覆盖表。映射必须一一对应，
// 否则 Demote 无法还原 Promote 的结果。
func NewOverrideTable(provider, wrapper string, overrides map[string]string) (*OverrideTable, error) {
	table := &OverrideTable{
		provider: provider,
		wrapper:  wrapper,
		promote:  make(map[string]string, len(overrides)),
		demote:   make(map[string]string, len(overrides)),
	}
	for generic, concrete := range overrides {
		if prior, exists := table.demote[concrete]; exists {
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("供应商 %s 覆盖表不可逆：%q 与 %q 都映射到 %q",
					provider, prior, generic, concrete))
		}
		table.promote[generic] = concrete
		table.demote[concrete] = generic
	}
	return table, nil
}

// Provider 返回覆盖表所属的供应商名。
func (t *OverrideTable) Provider() string { return t.provider }

// Promote 把请求 schema 中的规范类型名替换为供应商类型名。
// 基于深拷贝改写，原请求保持不变；被替换的字段记录在请求内部，
// 供 Demote 精确还原。
func (t *OverrideTable) Promote(req *Request) *Request {
	if req == nil {
		return nil
	}
	clone := req.Clone()
	if clone.ResponseSchema == nil {
		return clone
	}
	for name, field := range clone.ResponseSchema.Fields {
		record := promotedField{}
		if concrete, ok := t.promote[field.Type]; ok {
			record.typ = field.Type
			record.typeReplaced = true
			field.Type = concrete
		}
		if concrete, ok := t.promote[field.Items]; ok {
			record.items = field.Items
			record.itemsReplaced = true
			field.Items = concrete
		}
		if !record.typeReplaced && !record.itemsReplaced {
			continue
		}
		if clone.promotions == nil {
			clone.promotions = make(map[string]promotedField)
		}
		clone.promotions[name] = record
		clone.ResponseSchema.Fields[name] = field
	}
	return clone
}

// Demote 是 Promote 的精确逆操作：只还原 Promote 实际替换过的字段。
// 本来就以供应商类型名声明的字段不受影响。
func (t *OverrideTable) Demote(req *Request) *Request {
	if req == nil {
		return nil
	}
	clone := req.Clone()
	if clone.ResponseSchema == nil || len(clone.promotions) == 0 {
		clone.promotions = nil
		return clone
	}
	for name, record := range clone.promotions {
		field, ok := clone.ResponseSchema.Fields[name]
		if !ok {
			continue
		}
		if record.typeReplaced {
			field.Type = record.typ
		}
		if record.itemsReplaced {
			field.Items = record.items
		}
		clone.ResponseSchema.Fields[name] = field
	}
	clone.promotions = nil
	return clone
}

// DemoteValue 把供应商返回的结构化值还原为规范形态：
// 当供应商以外层字段包裹结构化输出时剥去包裹层。
func (t *OverrideTable) DemoteValue(value map[string]any) map[string]any {
	if t.wrapper == "" || value == nil {
		return value
	}
	if len(value) == 1 {
		if inner, ok := value[t.wrapper].(map[string]any); ok {
			return inner
		}
	}
	return value
}
