package provider

import (
	"encoding/json"
)

// Hooks 是供应商适配层的归一化钩子。
// 每个供应商只实现这五个钩子，拼装逻辑统一由 AdaptResponse 承担，
// 避免各适配器重复实现输出重组。
type Hooks interface {
	// PrimaryText 从原始载荷中取出主要文本输出。
	PrimaryText(raw map[string]any) (string, bool)
	// NonTextOutputs 取出文本之外的输出块（工具结果、附件等）。
	NonTextOutputs(raw map[string]any) []Part
	// IsAttachmentItem 判断一个内容块是否为附件，供拼装时归类。
	IsAttachmentItem(part Part) bool
	// ExtractUsage 取出令牌消耗。
	ExtractUsage(raw map[string]any) Usage
	// ExtractMeta 取出供应商侧元数据（模型版本、finish reason 等）。
	ExtractMeta(raw map[string]any) map[string]any
}

// ToolOutputNormalizer 是可选钩子：支持工具调用的供应商实现它，
// 把原生工具调用格式归一化为规范 ToolCall。
type ToolOutputNormalizer interface {
	NormalizeToolOutputs(raw map[string]any) []ToolCall
}

// StructuredExtractor 是可选钩子：支持原生结构化输出的供应商实现它。
type StructuredExtractor interface {
	ExtractStructured(raw map[string]any) (map[string]any, bool)
}

// AdaptResponse 把供应商原始载荷归一化为规范响应。
// 拼装顺序固定：主文本在前，随后是非文本输出，附件排在条目末尾。
func AdaptResponse(raw map[string]any, hooks Hooks, correlationID string) *Response {
	resp := &Response{
		CorrelationID: correlationID,
		Usage:         hooks.ExtractUsage(raw),
		ProviderMeta:  hooks.ExtractMeta(raw),
	}

	item := Item{Role: RoleAssistant}
	if text, ok := hooks.PrimaryText(raw); ok {
		item.Parts = append(item.Parts, Part{Type: PartText, Text: text})
	}

	var attachments []Part
	for _, part := range hooks.NonTextOutputs(raw) {
		if hooks.IsAttachmentItem(part) {
			part.Type = PartAttachment
			attachments = append(attachments, part)
			continue
		}
		item.Parts = append(item.Parts, part)
	}
	item.Parts = append(item.Parts, attachments...)

	if len(item.Parts) > 0 {
		resp.Output = append(resp.Output, item)
	}

	if normalizer, ok := hooks.(ToolOutputNormalizer); ok {
		resp.ToolCalls = normalizer.NormalizeToolOutputs(raw)
	}
	if extractor, ok := hooks.(StructuredExtractor); ok {
		if structured, ok := extractor.ExtractStructured(raw); ok {
			resp.Structured = structured
		}
	}

	if payload, err := json.Marshal(raw); err == nil {
		resp.Raw = payload
	}
	return resp
}
