package channel

import "encoding/json"

// Event names carried in the envelope. Inbound names are what the agent
// backend emits; outbound names are what it listens for.
const (
	EventActionCall      = "action-call"
	EventFrontendTool    = "frontend-tool"
	EventTurnComplete    = "turn-complete"
	EventSpeakAudio      = "speak-audio"
	EventAskUserQuestion = "ask-user-question"
	EventAgentBusy       = "agent-busy"
	EventAgentResponse   = "agent-response"

	EventActionResult         = "action-result"
	EventFrontendToolResponse = "frontend-tool-response"
	EventSpeechCompleted      = "speech-completed"
	EventUserPrompt           = "user-prompt"
	EventUserResponse         = "user-response"
)

// envelope is the frame layout: one JSON object per text frame.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// outEnvelope mirrors envelope for marshalling arbitrary payloads.
type outEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// ActionCall asks the client to invoke a registered capability. Args stay
// raw; only the capability itself knows their shapes.
type ActionCall struct {
	Action  string            `json:"action"`
	OwnerID string            `json:"ownerId"`
	Args    []json.RawMessage `json:"args,omitempty"`
}

// ActionResult reports one capability invocation back to the agent.
type ActionResult struct {
	Action    string `json:"action"`
	OwnerID   string `json:"ownerId"`
	Success   bool   `json:"success"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// FrontendTool is an action call with a correlation id the agent uses to
// match the response to a specific tool invocation.
type FrontendTool struct {
	ToolCallID string            `json:"toolCallId"`
	Action     string            `json:"action"`
	OwnerID    string            `json:"ownerId"`
	Args       []json.RawMessage `json:"args,omitempty"`
}

type FrontendToolResponse struct {
	ToolCallID string `json:"toolCallId"`
	Action     string `json:"action"`
	OwnerID    string `json:"ownerId"`
	Success    bool   `json:"success"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// SpeakAudio delivers agent speech: base64 MP3 plus the text it speaks.
// SpeechID, when present, must be echoed in speech-completed near the end
// of playback.
type SpeakAudio struct {
	Audio    string `json:"audio"`
	Message  string `json:"message"`
	SpeechID string `json:"speech_id,omitempty"`
}

// AskUserQuestion delivers a spoken question whose answer must be returned
// as a user-response correlated by RequestID.
type AskUserQuestion struct {
	Audio     string `json:"audio"`
	Question  string `json:"question"`
	RequestID string `json:"request_id"`
}

type SpeechCompleted struct {
	SpeechID  string `json:"speech_id"`
	Timestamp int64  `json:"timestamp"`
}

// UserPrompt carries an unsolicited utterance from the user.
type UserPrompt struct {
	Prompt    string `json:"prompt"`
	Timestamp int64  `json:"timestamp"`
}

// UserResponse carries an utterance that answers a pending question.
type UserResponse struct {
	RequestID string `json:"request_id"`
	Response  string `json:"response"`
	Timestamp int64  `json:"timestamp"`
}

type AgentBusy struct {
	Message string `json:"message"`
}

// AgentResponse closes out a user prompt. Response is whatever JSON the
// agent produced; most backends send a plain string.
type AgentResponse struct {
	Success  bool            `json:"success"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
}
