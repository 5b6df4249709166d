package agent

import "encoding/json"

// Agent NDJSON message types. The process speaks one JSON object per
// line on stdin/stdout (--input-format/--output-format stream-json).

// MessageType is the top-level `type` field of an NDJSON line.
type MessageType string

const (
	// Input messages (written to stdin).
	MessageTypeUser MessageType = "user"

	// Output messages (read from stdout).
	MessageTypeSystem      MessageType = "system"
	MessageTypeAssistant   MessageType = "assistant"
	MessageTypeResult      MessageType = "result"
	MessageTypeStreamEvent MessageType = "stream_event"
)

// Envelope extracts the fields shared by every output line.
type Envelope struct {
	Type      MessageType `json:"type"`
	Subtype   string      `json:"subtype,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
}

// InitMessage is the `system`/`init` handshake line. It carries the
// upstream conversation id used for --resume.
type InitMessage struct {
	Type      MessageType `json:"type"`
	Subtype   string      `json:"subtype"`
	SessionID string      `json:"session_id"`
	Model     string      `json:"model"`
	Tools     []string    `json:"tools"`
}

// ResultMessage terminates a turn.
type ResultMessage struct {
	Type       MessageType     `json:"type"`
	Subtype    string          `json:"subtype"`
	SessionID  string          `json:"session_id"`
	IsError    bool            `json:"is_error"`
	Result     string          `json:"result,omitempty"`
	CostUSD    float64         `json:"total_cost_usd"`
	DurationMS int64           `json:"duration_ms"`
	Usage      json.RawMessage `json:"usage,omitempty"`
}

// AssistantMessage is a complete assistant message. Text blocks that
// were already streamed via stream events must not be re-emitted.
type AssistantMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Message   struct {
		ID      string         `json:"id"`
		Content []ContentBlock `json:"content"`
	} `json:"message"`
}

// ContentBlock is one block of an assistant message.
type ContentBlock struct {
	Type  string          `json:"type"` // "text" | "tool_use"
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// StreamEventMessage wraps a partial-message stream event
// (--include-partial-messages).
type StreamEventMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Event     StreamEvent `json:"event"`
}

// StreamEvent is the inner streaming event.
type StreamEvent struct {
	Type         string `json:"type"` // message_start, content_block_start, content_block_delta, content_block_stop, message_stop
	Index        int    `json:"index"`
	Message      *struct {
		ID string `json:"id"`
	} `json:"message,omitempty"`
	ContentBlock *struct {
		Type string `json:"type"` // "text" | "tool_use"
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"content_block,omitempty"`
	Delta *struct {
		Type        string `json:"type"` // "text_delta" | "input_json_delta"
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta,omitempty"`
}

// UserInputMessage is the structure written to the agent's stdin.
type UserInputMessage struct {
	Type    MessageType      `json:"type"`
	Message UserInputContent `json:"message"`
}

// UserInputContent is the nested message content for stream-json input.
type UserInputContent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PermissionMode values understood by the agent process.
const (
	AgentModeDefault = "default"
	AgentModePlan    = "plan"
	AgentModeBypass  = "bypassPermissions"
)

// TranslateMode maps a Chroxy permission mode (approve, auto, plan) to
// the agent's native mode string. Unknown modes fall back to default.
func TranslateMode(mode string) string {
	switch mode {
	case "auto":
		return AgentModeBypass
	case "plan":
		return AgentModePlan
	default:
		return AgentModeDefault
	}
}
