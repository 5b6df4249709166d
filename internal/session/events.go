package session

import (
	"encoding/base64"
	"time"
)

// Event is the uniform schema every session variant emits, regardless
// of backend. The fanout layer tags it with the session id on egress.
type Event struct {
	Type string         `json:"event"`
	Data map[string]any `json:"data,omitempty"`
}

// Event types.
const (
	EventReady          = "ready"
	EventStreamStart    = "stream_start"
	EventStreamDelta    = "stream_delta"
	EventStreamEnd      = "stream_end"
	EventMessage        = "message"
	EventToolStart      = "tool_start"
	EventUserQuestion   = "user_question"
	EventAgentSpawned   = "agent_spawned"
	EventAgentCompleted = "agent_completed"
	EventPlanStarted    = "plan_started"
	EventPlanReady      = "plan_ready"
	EventStatusUpdate   = "status_update"
	EventResult         = "result"
	EventPermission     = "permission_request"
	EventError          = "error"
	EventRaw            = "raw"
)

// Tagged is an event annotated with its originating session, as
// forwarded on the manager's aggregate stream.
type Tagged struct {
	SessionID string `json:"sessionId"`
	Event     Event  `json:"-"`
}

func readyEvent(model string, tools []string) Event {
	return Event{Type: EventReady, Data: map[string]any{"model": model, "tools": tools}}
}

func streamStartEvent(messageID string) Event {
	return Event{Type: EventStreamStart, Data: map[string]any{"messageId": messageID}}
}

func streamDeltaEvent(messageID, delta string) Event {
	return Event{Type: EventStreamDelta, Data: map[string]any{"messageId": messageID, "delta": delta}}
}

func streamEndEvent(messageID string) Event {
	return Event{Type: EventStreamEnd, Data: map[string]any{"messageId": messageID}}
}

func messageEvent(msgType, content string) Event {
	return Event{Type: EventMessage, Data: map[string]any{
		"type":      msgType,
		"content":   content,
		"timestamp": time.Now().UnixMilli(),
	}}
}

func toolStartEvent(messageID, toolUseID, tool string) Event {
	return Event{Type: EventToolStart, Data: map[string]any{
		"messageId": messageID,
		"toolUseId": toolUseID,
		"tool":      tool,
		"input":     nil,
	}}
}

func userQuestionEvent(toolUseID string, questions any) Event {
	return Event{Type: EventUserQuestion, Data: map[string]any{
		"toolUseId": toolUseID,
		"questions": questions,
	}}
}

func statusUpdateEvent(toolUseID, status string) Event {
	return Event{Type: EventStatusUpdate, Data: map[string]any{
		"toolUseId": toolUseID,
		"status":    status,
	}}
}

func agentSpawnedEvent(toolUseID, description string) Event {
	return Event{Type: EventAgentSpawned, Data: map[string]any{
		"toolUseId":   toolUseID,
		"description": description,
		"startedAt":   time.Now().UnixMilli(),
	}}
}

func agentCompletedEvent(toolUseID string) Event {
	return Event{Type: EventAgentCompleted, Data: map[string]any{"toolUseId": toolUseID}}
}

func errorEvent(message string, recoverable bool) Event {
	return Event{Type: EventError, Data: map[string]any{
		"message":     message,
		"recoverable": recoverable,
	}}
}

func resultEvent(isError bool, result string, costUSD float64, durationMS int64, usage any) Event {
	data := map[string]any{
		"isError":  isError,
		"cost":     costUSD,
		"duration": durationMS,
	}
	if result != "" {
		data["result"] = result
	}
	if usage != nil {
		data["usage"] = usage
	}
	return Event{Type: EventResult, Data: data}
}

// rawEvent carries terminal output. Bytes are base64-encoded because
// PTY output is not guaranteed to be valid UTF-8.
func rawEvent(data []byte) Event {
	return Event{Type: EventRaw, Data: map[string]any{"data": base64.StdEncoding.EncodeToString(data)}}
}
