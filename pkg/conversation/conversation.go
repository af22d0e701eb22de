// Package conversation implements the branching conversation data model.
//
// A Conversation is a tree of branches rooted at "main". A non-main branch
// inherits the first BranchPoint messages of its parent and continues with its
// own. Messages carry every generated Response; none is ever deleted.
//
// Invariants:
// - main exists and has no parent.
// - Every other branch names an existing parent and 0 <= BranchPoint <= len(parent.Messages).
// - Messages are appended only at a branch tail.
//
// Usage:
//
//	conv := conversation.New("c-1", "Trip planning")
//	msg, _ := conv.AppendMessage(conversation.MainBranchID, conversation.NewMessage("u-1", "hello", nil))
//	history, _ := conversation.ResolveHistory(conv, conversation.MainBranchID, -1)
package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/huandu/go-clone"

	"github.com/harun/parley/pkg/errs"
)

// New creates a conversation with an empty main branch.
func New(id, title string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:        id,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Branches: map[string]*Branch{
			MainBranchID: {ID: MainBranchID, Messages: []*Message{}, CreatedAt: now},
		},
		BranchOrder: []string{MainBranchID},
	}
}

// NewMessage builds a user message with a fresh id.
func NewMessage(userID, text string, attachments []Attachment) *Message {
	for i := range attachments {
		if attachments[i].ID == "" {
			attachments[i].ID = uuid.New().String()
		}
		if attachments[i].SourceType == "" {
			attachments[i].SourceType = SourceBase64
		}
	}
	return &Message{
		ID:          uuid.New().String(),
		Role:        RoleUser,
		UserID:      userID,
		Text:        text,
		Attachments: attachments,
		CreatedAt:   time.Now().UTC(),
	}
}

// Clone returns a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	return clone.Clone(c).(*Conversation)
}

// Touch bumps UpdatedAt.
func (c *Conversation) Touch() {
	c.UpdatedAt = time.Now().UTC()
}

// Branch returns the branch with the given id or a BranchNotFound error.
func (c *Conversation) Branch(id string) (*Branch, error) {
	b, ok := c.Branches[id]
	if !ok {
		return nil, errs.BranchNotFound(id)
	}
	return b, nil
}

// AppendMessage appends msg at the tail of the branch.
func (c *Conversation) AppendMessage(branchID string, msg *Message) (*Message, error) {
	b, err := c.Branch(branchID)
	if err != nil {
		return nil, err
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Role == "" {
		msg.Role = RoleUser
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	b.Messages = append(b.Messages, msg)
	c.Touch()
	return msg, nil
}

// AddBranch forks a new branch off parentID at branchPoint.
func (c *Conversation) AddBranch(id, parentID string, branchPoint int) (*Branch, error) {
	if id == "" {
		return nil, errs.InvalidArgument("branch", "id must not be empty")
	}
	if _, exists := c.Branches[id]; exists {
		return nil, errs.InvalidArgument("branch", fmt.Sprintf("branch %s already exists", id))
	}
	parent, err := c.Branch(parentID)
	if err != nil {
		return nil, err
	}
	if branchPoint < 0 || branchPoint > len(parent.Messages) {
		return nil, errs.InvalidArgument("branch_point", fmt.Sprintf("%d outside [0,%d]", branchPoint, len(parent.Messages)))
	}

	b := &Branch{
		ID:          id,
		ParentID:    parentID,
		BranchPoint: branchPoint,
		Messages:    []*Message{},
		CreatedAt:   time.Now().UTC(),
	}
	c.Branches[id] = b
	c.BranchOrder = append(c.BranchOrder, id)
	c.Touch()
	return b, nil
}

// LocateMessage returns the branch that owns the message and its index there.
func (c *Conversation) LocateMessage(messageID string) (*Branch, int, error) {
	for _, id := range c.orderedBranchIDs() {
		b := c.Branches[id]
		for i, m := range b.Messages {
			if m.ID == messageID {
				return b, i, nil
			}
		}
	}
	return nil, -1, errs.MessageNotFound(messageID)
}

// MessageCount returns the number of messages owned by all branches.
func (c *Conversation) MessageCount() int {
	n := 0
	for _, b := range c.Branches {
		n += len(b.Messages)
	}
	return n
}

// Summary returns the listing view of the conversation.
func (c *Conversation) Summary() Summary {
	return Summary{
		ID:           c.ID,
		Title:        c.Title,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		MessageCount: c.MessageCount(),
		Branches:     len(c.Branches),
	}
}

func (c *Conversation) orderedBranchIDs() []string {
	ids := make([]string, 0, len(c.Branches))
	seen := make(map[string]bool, len(c.Branches))
	for _, id := range c.BranchOrder {
		if _, ok := c.Branches[id]; ok && !seen[id] {
			ids = append(ids, id)
			seen[id] = true
		}
	}
	for id := range c.Branches {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// ActiveResponse returns the response whose label matches label, or the most
// recently appended one when label is empty or unmatched.
func (m *Message) ActiveResponse(label string) *Response {
	if len(m.Responses) == 0 {
		return nil
	}
	if label != "" {
		for i := len(m.Responses) - 1; i >= 0; i-- {
			if m.Responses[i].Label == label {
				return m.Responses[i]
			}
		}
	}
	return m.Responses[len(m.Responses)-1]
}

// AddResponse appends a response and binds it to the message.
func (m *Message) AddResponse(r *Response) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.MessageID = m.ID
	m.Responses = append(m.Responses, r)
}

// HasImages reports whether the message carries an image attachment.
func (m *Message) HasImages() bool {
	for _, a := range m.Attachments {
		if IsImage(a.ContentType) {
			return true
		}
	}
	return false
}

// HasToolActivity reports whether any response used tools.
func (m *Message) HasToolActivity() bool {
	for _, r := range m.Responses {
		if len(r.ToolUses) > 0 || len(r.ToolResults) > 0 {
			return true
		}
	}
	return false
}

// CopyForBranch returns a copy of the message with a fresh id that keeps a
// link to the source and carries re-identified copies of its responses.
func (m *Message) CopyForBranch() *Message {
	cp := clone.Clone(m).(*Message)
	cp.ID = uuid.New().String()
	cp.SourceMessageID = m.ID
	cp.CreatedAt = time.Now().UTC()
	for _, r := range cp.Responses {
		r.ID = uuid.New().String()
		r.MessageID = cp.ID
	}
	return cp
}

// IsImage reports whether a content type is an image type.
func IsImage(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/")
}
