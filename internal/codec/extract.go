package codec

import (
	"encoding/json"
	"strings"

	"OpenLLM-Orchestra/internal/provider"
	"OpenLLM-Orchestra/internal/schema"
)

// Extract 从归一化响应中按固定顺序提取结构化候选值：
//  1. 供应商原生的结构化输出字段；
//  2. 首个载荷为 JSON object 的工具结果块；
//  3. 声明了 schema 时，整体为 JSON object 的主文本。
//
// 提取失败不是错误，统一以 (value, ok) 表达，控制流中不使用异常。
func Extract(resp *provider.Response, def *schema.Definition) (map[string]any, bool) {
	if resp == nil {
		return nil, false
	}

	if len(resp.Structured) > 0 {
		return resp.Structured, true
	}

	for _, item := range resp.Output {
		for _, part := range item.Parts {
			if part.Type != provider.PartToolResult {
				continue
			}
			if value, ok := decodeObject(part.Payload); ok {
				return value, true
			}
		}
	}

	if def != nil {
		text := strings.TrimSpace(resp.PrimaryText())
		if strings.HasPrefix(text, "{") {
			if value, ok := decodeObject([]byte(text)); ok {
				return value, true
			}
		}
	}
	return nil, false
}

func decodeObject(payload []byte) (map[string]any, bool) {
	if len(payload) == 0 {
		return nil, false
	}
	var value map[string]any
	if err := json.Unmarshal(payload, &value); err != nil {
		return nil, false
	}
	return value, value != nil
}
