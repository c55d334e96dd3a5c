package orchestrator

import (
	"errors"
	"time"

	"github.com/kalambet/orca/internal/document"
	"github.com/kalambet/orca/internal/mock"
	"github.com/kalambet/orca/internal/tools"
)

// ErrInvalidRequest is wrapped by every validation failure.
var ErrInvalidRequest = errors.New("invalid request")

// Attachment is a file sent with a chat message. Content is base64, with or
// without a data URL prefix.
type Attachment struct {
	Content  string `json:"content"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type,omitempty"`
}

// Request is one user turn.
type Request struct {
	Message            string            `json:"message"`
	ConversationID     string            `json:"conversation_id,omitempty"`
	ConversationLength int               `json:"conversation_length,omitempty"`
	Attachments        []Attachment      `json:"attachments,omitempty"`
	AuthTokens         map[string]string `json:"auth_tokens,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Result is the structured answer to a Request.
type Result struct {
	Success        bool              `json:"success"`
	MessageText    string            `json:"message_text"`
	ToolCalls      []tools.Record    `json:"tool_calls"`
	Usage          Usage             `json:"usage"`
	Model          string            `json:"model"`
	Timestamp      time.Time         `json:"timestamp"`
	ConversationID string            `json:"conversation_id"`
	InteractionID  string            `json:"interaction_id,omitempty"`
	Mocked         bool              `json:"mocked"`
	Badges         []mock.Badge      `json:"badges,omitempty"`
	Documents      []document.Result `json:"documents,omitempty"`
}
