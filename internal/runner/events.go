package runner

import "encoding/json"

// Event kinds, emitted in the order status, tool events, final.
const (
	EventStatus     = "status"
	EventToolCall   = "tool_call"
	EventToolResult = "tool_result"
	EventToolError  = "tool_error"
	EventFinal      = "final"
)

// Event 是一次执行过程中产生的事件。final 事件之后通道关闭。
type Event struct {
	Kind      string          `json:"kind"`
	Step      int             `json:"step"`
	Status    string          `json:"status,omitempty"`
	ToolID    string          `json:"tool_id,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Output    string          `json:"output,omitempty"`
	Text      string          `json:"text,omitempty"`
	// Err 只出现在 final 事件中，表示执行失败。
	Err error `json:"-"`
}

// Collect 读取通道直到关闭，返回最后的 final 事件以及之前的所有事件。
func Collect(events <-chan Event) (Event, []Event) {
	var all []Event
	var final Event
	for ev := range events {
		all = append(all, ev)
		if ev.Kind == EventFinal {
			final = ev
		}
	}
	return final, all
}
