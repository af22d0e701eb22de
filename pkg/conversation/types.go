package conversation

import (
	"time"
)

// MainBranchID is the id of the root branch every conversation starts with.
const MainBranchID = "main"

// Author roles.
const (
	RoleUser   = "user"
	RoleSystem = "system"
)

// Conversation owns a tree of branches rooted at "main".
type Conversation struct {
	ID          string             `json:"id"`
	Title       string             `json:"title"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	Branches    map[string]*Branch `json:"branches"`
	BranchOrder []string           `json:"branch_order"`
}

// Branch is an ordered continuation of messages forked from its parent at
// BranchPoint. ParentID is a lookup key, never an owning reference.
type Branch struct {
	ID          string     `json:"id"`
	ParentID    string     `json:"parent_id,omitempty"`
	BranchPoint int        `json:"branch_point"`
	Messages    []*Message `json:"messages"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Message is a user-originated turn. AI answers live in Responses.
type Message struct {
	ID              string       `json:"id"`
	Role            string       `json:"role"`
	UserID          string       `json:"user_id,omitempty"`
	Text            string       `json:"text"`
	Attachments     []Attachment `json:"attachments"`
	Responses       []*Response  `json:"responses"`
	CreatedAt       time.Time    `json:"created_at"`
	SourceMessageID string       `json:"source_message_id,omitempty"`
}

// Response is one generated alternative for a Message. Label is a parallel
// alternative tag and has no relation to the branch tree.
type Response struct {
	ID          string       `json:"id"`
	MessageID   string       `json:"message_id"`
	Text        string       `json:"text"`
	Model       string       `json:"model"`
	Label       string       `json:"label,omitempty"`
	ToolUses    []ToolUse    `json:"tool_uses"`
	ToolResults []ToolResult `json:"tool_results"`
	Metadata    Metadata     `json:"metadata"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Metadata records how a Response was produced.
type Metadata struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	LatencyMs    int64   `json:"latency_ms"`
	CostEstimate float64 `json:"cost_estimate"`
	Success      bool    `json:"success"`
	Iterations   int     `json:"iterations,omitempty"`
	Truncated    bool    `json:"truncated,omitempty"`
	LoopDetected bool    `json:"loop_detected,omitempty"`
}

// ToolUse names a tool and carries its input arguments.
type ToolUse struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Input     map[string]interface{} `json:"input"`
	Iteration int                    `json:"iteration"`
}

// ToolResult answers the ToolUse identified by ToolUseID. Error is non-empty
// when the tool failed or was denied.
type ToolResult struct {
	ToolUseID string      `json:"tool_use_id"`
	Output    interface{} `json:"output,omitempty"`
	Error     string      `json:"error,omitempty"`
	Denied    bool        `json:"denied,omitempty"`
}

// IsError reports whether the result carries an error descriptor.
func (r ToolResult) IsError() bool {
	return r.Error != ""
}

// Attachment is an opaque payload attached to a Message. Payload holds base64
// data or a reference, depending on SourceType.
type Attachment struct {
	ID          string `json:"id"`
	ContentType string `json:"content_type"`
	Payload     string `json:"payload"`
	SourceType  string `json:"source_type,omitempty"`
}

// Source types.
const (
	SourceBase64      = "base64"
	SourceURL         = "url"
	SourcePlaceholder = "placeholder"
)

// Summary is the listing view of a conversation.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	Branches     int       `json:"branches"`
}
