package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Interaction is one handled chat request.
type Interaction struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	ConversationID string    `json:"conversation_id"`
	UserMessage    string    `json:"user_message"`
	Response       string    `json:"response"`
	Model          string    `json:"model"`
	Mocked         bool      `json:"mocked"`
	Status         string    `json:"status"` // "completed" or "failed"
	Error          string    `json:"error,omitempty"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	DocumentCount  int       `json:"document_count"`
	LatencyMs      int64     `json:"latency_ms"`

	// ToolExecutions is filled by GetInteraction only.
	ToolExecutions []ToolExecution `json:"tool_executions,omitempty"`
}

// ToolExecution is one tool call made while handling an interaction.
type ToolExecution struct {
	ID            string    `json:"id"`
	InteractionID string    `json:"interaction_id"`
	Name          string    `json:"name"`
	InputJSON     string    `json:"input"`
	Output        string    `json:"output"`
	IsError       bool      `json:"is_error"`
	DurationMs    int64     `json:"duration_ms"`
	ExecutedAt    time.Time `json:"executed_at"`
}

// Document statuses.
const (
	DocumentPending  = "pending"
	DocumentAnalyzed = "analyzed"
	DocumentFailed   = "failed"
)

// Document is an uploaded file and, once analyzed, its result.
type Document struct {
	ID            string    `json:"id"`
	FileName      string    `json:"file_name"`
	MimeType      string    `json:"mime_type"`
	SizeBytes     int64     `json:"size_bytes"`
	Data          []byte    `json:"-"`
	AnalysisType  string    `json:"analysis_type"`
	QuestionsJSON string    `json:"-"` // JSON array stored as text
	Status        string    `json:"status"`
	ResultJSON    string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
