package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "OpenLLM-Orchestra/internal/errors"
	"OpenLLM-Orchestra/internal/provider"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI 的 Chat Completions 接口，
// 并把原生载荷归一化为规范响应。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	overrides  *provider.OverrideTable
}

var _ provider.Provider = (*Client)(nil)
var _ provider.Hooks = (*Client)(nil)

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	// Chat Completions 的 JSON Schema 不支持引擎的 timestamp 类型，降级为 string。
	overrides, err := provider.NewOverrideTable("openai", "", map[string]string{
		"timestamp": "string",
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		apiKey:    apiKey,
		baseURL:   baseURL,
		model:     model,
		overrides: overrides,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Name 返回供应商名。
func (c *Client) Name() string { return "openai" }

// Overrides 返回该供应商的 schema 覆盖表，由调度侧在发出请求前套用。
func (c *Client) Overrides() *provider.OverrideTable { return c.overrides }

// Call 发起一次非流式调用并归一化响应。
func (c *Client) Call(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	payload, err := c.buildPayload(req, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, provider.Failure(nil,
			fmt.Sprintf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, provider.Failure(err, "解析 OpenAI 响应失败")
	}
	return provider.AdaptResponse(raw, c, req.CorrelationID), nil
}

// Stream 发起一次流式调用，按 SSE 逐块解析增量。
func (c *Client) Stream(ctx context.Context, req *provider.Request) (<-chan provider.Chunk, error) {
	payload, err := c.buildPayload(req, true)
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, provider.Failure(nil,
			fmt.Sprintf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	chunks := make(chan provider.Chunk)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				select {
				case chunks <- provider.Chunk{Done: true}:
				case <-ctx.Done():
				}
				return
			}

			var event struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
				} `json:"choices"`
			}
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				select {
				case chunks <- provider.Chunk{Err: provider.Failure(err, "解析 OpenAI 流式增量失败")}:
				case <-ctx.Done():
				}
				return
			}
			if len(event.Choices) == 0 || event.Choices[0].Delta.Content == "" {
				continue
			}

			select {
			case chunks <- provider.Chunk{Text: event.Choices[0].Delta.Content}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case chunks <- provider.Chunk{Err: provider.Failure(err, "读取 OpenAI 流式响应失败")}:
			case <-ctx.Done():
			}
		}
	}()
	return chunks, nil
}

func (c *Client) post(ctx context.Context, payload []byte) (*http.Response, error) {
	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, provider.Failure(err, "构建 OpenAI 请求失败")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, provider.Failure(err, "请求 OpenAI 失败")
	}
	return resp, nil
}

func (c *Client) buildPayload(req *provider.Request, stream bool) ([]byte, error) {
	model := req.Model
	if strings.TrimSpace(model) == "" {
		model = c.model
	}

	messages := make([]map[string]any, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, map[string]any{
			"role":    string(msg.Role),
			"content": msg.Content,
		})
	}

	body := map[string]any{
		"model":    model,
		"messages": messages,
	}
	if stream {
		body["stream"] = true
	}

	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        tool.Name,
					"description": tool.Description,
					"parameters":  tool.Parameters,
				},
			})
		}
		body["tools"] = tools
	}

	if req.ResponseSchema != nil {
		body["response_format"] = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "response",
				"strict": req.ResponseSchema.Strict,
				"schema": req.ResponseSchema.JSON(true),
			},
		}
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, provider.Failure(err, "序列化 OpenAI 请求失败")
	}
	return encoded, nil
}

// PrimaryText 取首个 choice 的 message.content。
func (c *Client) PrimaryText(raw map[string]any) (string, bool) {
	message, ok := firstChoiceMessage(raw)
	if !ok {
		return "", false
	}
	content, _ := message["content"].(string)
	content = strings.TrimSpace(content)
	return content, content != ""
}

// NonTextOutputs 把原生 tool_calls 转为工具结果内容块。
func (c *Client) NonTextOutputs(raw map[string]any) []provider.Part {
	message, ok := firstChoiceMessage(raw)
	if !ok {
		return nil
	}
	calls, _ := message["tool_calls"].([]any)
	parts := make([]provider.Part, 0, len(calls))
	for _, entry := range calls {
		call, _ := entry.(map[string]any)
		if call == nil {
			continue
		}
		fn, _ := call["function"].(map[string]any)
		if fn == nil {
			continue
		}
		id, _ := call["id"].(string)
		name, _ := fn["name"].(string)
		args, _ := fn["arguments"].(string)
		parts = append(parts, provider.Part{
			Type:       provider.PartToolResult,
			ToolCallID: id,
			Name:       name,
			Payload:    json.RawMessage(args),
		})
	}
	if len(parts) == 0 {
		return nil
	}
	return parts
}

// IsAttachmentItem Chat Completions 不产出附件。
func (c *Client) IsAttachmentItem(_ provider.Part) bool { return false }

// ExtractUsage 取 usage 统计。
func (c *Client) ExtractUsage(raw map[string]any) provider.Usage {
	usage, _ := raw["usage"].(map[string]any)
	details, _ := usage["completion_tokens_details"].(map[string]any)
	return provider.Usage{
		InputTokens:     intField(usage, "prompt_tokens"),
		OutputTokens:    intField(usage, "completion_tokens"),
		ReasoningTokens: intField(details, "reasoning_tokens"),
	}
}

// ExtractMeta 取模型版本与结束原因。
func (c *Client) ExtractMeta(raw map[string]any) map[string]any {
	meta := map[string]any{}
	if model, ok := raw["model"].(string); ok {
		meta["model"] = model
	}
	if id, ok := raw["id"].(string); ok {
		meta["id"] = id
	}
	if choices, ok := raw["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if reason, ok := choice["finish_reason"].(string); ok {
				meta["finish_reason"] = reason
			}
		}
	}
	return meta
}

// NormalizeToolOutputs 把原生 tool_calls 归一化为规范工具调用。
func (c *Client) NormalizeToolOutputs(raw map[string]any) []provider.ToolCall {
	var calls []provider.ToolCall
	for _, part := range c.NonTextOutputs(raw) {
		calls = append(calls, provider.ToolCall{
			ID:        part.ToolCallID,
			Name:      part.Name,
			Arguments: part.Payload,
		})
	}
	return calls
}

// ExtractStructured 当 message.content 本身是 JSON object 时作为结构化输出取用。
// Chat Completions 的 json_schema 模式即以此方式返回结构化值。
func (c *Client) ExtractStructured(raw map[string]any) (map[string]any, bool) {
	message, ok := firstChoiceMessage(raw)
	if !ok {
		return nil, false
	}
	content, _ := message["content"].(string)
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "{") {
		return nil, false
	}
	var structured map[string]any
	if err := json.Unmarshal([]byte(content), &structured); err != nil {
		return nil, false
	}
	return c.overrides.DemoteValue(structured), true
}

func firstChoiceMessage(raw map[string]any) (map[string]any, bool) {
	choices, _ := raw["choices"].([]any)
	if len(choices) == 0 {
		return nil, false
	}
	choice, _ := choices[0].(map[string]any)
	if choice == nil {
		return nil, false
	}
	message, _ := choice["message"].(map[string]any)
	return message, message != nil
}

func intField(m map[string]any, key string) int {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
