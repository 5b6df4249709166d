package server

import "encoding/json"

// clientMessage is the decoded form of every client→server frame. One
// JSON object per frame with a required type; unknown types are logged
// and ignored.
type clientMessage struct {
	Type string `json:"type"`

	// auth / register_push_token
	Token      string      `json:"token,omitempty"`
	DeviceInfo *deviceInfo `json:"deviceInfo,omitempty"`

	// input
	Data string `json:"data,omitempty"`

	// resize
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`

	// mode / set_permission_mode
	Mode      string `json:"mode,omitempty"`
	Confirmed bool   `json:"confirmed,omitempty"`

	// set_model
	Model string `json:"model,omitempty"`

	// permission_response
	RequestID string `json:"requestId,omitempty"`
	Decision  string `json:"decision,omitempty"`

	// session operations
	SessionID   string `json:"sessionId,omitempty"`
	Name        string `json:"name,omitempty"`
	Cwd         string `json:"cwd,omitempty"`
	Variant     string `json:"variant,omitempty"`
	TmuxSession string `json:"tmuxSession,omitempty"`

	// user_question_response
	Answer string `json:"answer,omitempty"`
}

type deviceInfo struct {
	Name     string `json:"name,omitempty"`
	Type     string `json:"type,omitempty"`
	Platform string `json:"platform,omitempty"`
	ID       string `json:"id,omitempty"`
}

// Client view modes.
const (
	modeTerminal = "terminal"
	modeChat     = "chat"
)

// serverMode identifies what the daemon fronts; the mobile client
// adjusts its UI to it.
const serverMode = "agent"

// availableModels is what the client may pick from; model strings are
// passed through to the Agent.
var availableModels = []string{"sonnet", "opus", "haiku"}

// availablePermissionModes mirrors the session package's modes.
var availablePermissionModes = []string{"approve", "auto", "plan"}

// marshalMessage builds a server→client frame of the given type with
// extra fields merged in.
func marshalMessage(msgType string, fields map[string]any) []byte {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["type"] = msgType
	data, err := json.Marshal(out)
	if err != nil {
		// Fields are server-constructed; a marshal failure is a bug.
		panic("marshal server message: " + err.Error())
	}
	return data
}

// sessionEventFrame tags a session event for the wire. The event type
// becomes the frame type so clients switch on one field.
func sessionEventFrame(sessionID string, eventType string, data map[string]any) []byte {
	fields := make(map[string]any, len(data)+1)
	for k, v := range data {
		fields[k] = v
	}
	fields["sessionId"] = sessionID
	return marshalMessage(eventType, fields)
}
