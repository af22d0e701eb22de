// Package errs defines the error taxonomy shared by every parley package.
//
// Each typed error unwraps to a family sentinel (ErrNotFound, ErrValidation,
// ErrStructural, ErrGeneration) and to a kind sentinel, so callers can match
// with errors.Is at either granularity or extract details with errors.As.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Family sentinels.
var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrStructural = errors.New("structural error")
	ErrGeneration = errors.New("generation failed")
)

// Kind sentinels.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrBranchNotFound       = errors.New("branch not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrToolNotFound         = errors.New("tool not found")
	ErrModelNotFound        = errors.New("model not found")
	ErrCheckpointNotFound   = errors.New("checkpoint not found")

	ErrSchemaValidation        = errors.New("schema validation failed")
	ErrInvalidConversationData = errors.New("invalid conversation data")
	ErrDuplicateTool           = errors.New("duplicate tool")
	ErrInvalidArgument         = errors.New("invalid argument")

	// ErrApprovalPending is not a failure: the turn is suspended until an
	// approval decision is supplied through the resumable token.
	ErrApprovalPending = errors.New("approval pending")
)

// NotFoundError reports a missing conversation, branch, message, tool or model.
type NotFoundError struct {
	Kind error
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() []error {
	return []error{ErrNotFound, e.Kind}
}

// ConversationNotFound returns a NotFoundError for a conversation id.
func ConversationNotFound(id string) error {
	return &NotFoundError{Kind: ErrConversationNotFound, ID: id}
}

// BranchNotFound returns a NotFoundError for a branch id.
func BranchNotFound(id string) error {
	return &NotFoundError{Kind: ErrBranchNotFound, ID: id}
}

// MessageNotFound returns a NotFoundError for a message id.
func MessageNotFound(id string) error {
	return &NotFoundError{Kind: ErrMessageNotFound, ID: id}
}

// ToolNotFound returns a NotFoundError for a tool name.
func ToolNotFound(name string) error {
	return &NotFoundError{Kind: ErrToolNotFound, ID: name}
}

// ModelNotFound returns a NotFoundError for a model identifier.
func ModelNotFound(id string) error {
	return &NotFoundError{Kind: ErrModelNotFound, ID: id}
}

// CheckpointNotFound returns a NotFoundError for an unknown or expired
// resumable token.
func CheckpointNotFound(token string) error {
	return &NotFoundError{Kind: ErrCheckpointNotFound, ID: token}
}

// ValidationError reports input that failed a schema or invariant check.
type ValidationError struct {
	Kind    error
	Subject string
	Details []string
	Err     error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Subject != "" {
		b.WriteString(" for ")
		b.WriteString(e.Subject)
	}
	if len(e.Details) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Details, "; "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ValidationError) Unwrap() []error {
	out := []error{ErrValidation, e.Kind}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// SchemaValidation reports tool arguments that do not match the tool schema.
func SchemaValidation(tool string, details []string) error {
	return &ValidationError{Kind: ErrSchemaValidation, Subject: tool, Details: details}
}

// InvalidConversationData reports a record that violates the data model.
func InvalidConversationData(subject string, err error, details ...string) error {
	return &ValidationError{Kind: ErrInvalidConversationData, Subject: subject, Details: details, Err: err}
}

// DuplicateTool reports a registration over an existing tool name.
func DuplicateTool(name string) error {
	return &ValidationError{Kind: ErrDuplicateTool, Subject: name}
}

// InvalidArgument reports a malformed caller argument.
func InvalidArgument(subject, detail string) error {
	return &ValidationError{Kind: ErrInvalidArgument, Subject: subject, Details: []string{detail}}
}

// StructuralError reports a corrupted branch tree.
type StructuralError struct {
	ConversationID string
	BranchID       string
	Reason         string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("structural error in conversation %s at branch %s: %s", e.ConversationID, e.BranchID, e.Reason)
}

func (e *StructuralError) Unwrap() error {
	return ErrStructural
}

// GenerationError reports a failed model invocation. It is fatal to the
// current turn only.
type GenerationError struct {
	Model string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation with model %s failed: %v", e.Model, e.Err)
}

func (e *GenerationError) Unwrap() []error {
	return []error{ErrGeneration, e.Err}
}

// Generation wraps a model invocation failure.
func Generation(model string, err error) error {
	return &GenerationError{Model: model, Err: err}
}

// PendingApprovalError carries the resumable token of a suspended turn.
// CallIDs[i] is the tool use id of Tools[i] and keys the resume decisions.
type PendingApprovalError struct {
	Token   string
	Tools   []string
	CallIDs []string
}

func (e *PendingApprovalError) Error() string {
	return fmt.Sprintf("approval pending for %s (token %s)", strings.Join(e.Tools, ", "), e.Token)
}

func (e *PendingApprovalError) Unwrap() error {
	return ErrApprovalPending
}

// IsNotFound reports whether err belongs to the NotFound family.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation reports whether err belongs to the Validation family.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
