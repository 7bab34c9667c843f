package mcp

import (
	"encoding/json"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// Tool 是 tools/list 返回的远端工具描述。
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Content 是工具结果中的内容块，非文本块只保留类型。
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallResult 是 tools/call 的结果。
type CallResult struct {
	Content           []Content       `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// Text 拼接所有文本内容块。
func (r *CallResult) Text() string {
	if r == nil {
		return ""
	}
	var parts []string
	for _, c := range r.Content {
		if c.Type == "text" && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// toolFrom 把 SDK 的工具描述转为本包类型。RawInputSchema 优先于结构化 schema。
func toolFrom(t mcplib.Tool) (Tool, error) {
	schema := t.RawInputSchema
	if len(schema) == 0 {
		encoded, err := json.Marshal(t.InputSchema)
		if err != nil {
			return Tool{}, err
		}
		schema = encoded
	}
	return Tool{Name: t.Name, Description: t.Description, InputSchema: schema}, nil
}

func callResultFrom(res *mcplib.CallToolResult) *CallResult {
	out := &CallResult{IsError: res.IsError}
	for _, c := range res.Content {
		if text, ok := mcplib.AsTextContent(c); ok {
			out.Content = append(out.Content, Content{Type: "text", Text: text.Text})
			continue
		}
		// 其它内容块（image、audio、resource）只记录类型。
		encoded, err := json.Marshal(c)
		if err != nil {
			continue
		}
		var block Content
		if json.Unmarshal(encoded, &block) == nil && block.Type != "" {
			out.Content = append(out.Content, Content{Type: block.Type})
		}
	}
	if res.StructuredContent != nil {
		if encoded, err := json.Marshal(res.StructuredContent); err == nil {
			out.StructuredContent = encoded
		}
	}
	return out
}
