package toolexecutor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/parley/internal/observability"
)

// DefaultApprovalTimeout is how long an approval request may wait for a decision.
const DefaultApprovalTimeout = 60 * time.Second

// ApprovalRequest asks for permission to run one tool call.
type ApprovalRequest struct {
	ID             string                 `json:"id"`
	Tool           string                 `json:"tool"`
	Input          map[string]interface{} `json:"input"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	Timeout        time.Duration          `json:"timeout"`
	Context        map[string]string      `json:"context,omitempty"`
}

// ApprovalResponse represents the response to an approval request
type ApprovalResponse struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
	Actor    string `json:"actor,omitempty"`
}

// ApprovalHandler handles approval requests
type ApprovalHandler interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error)
}

// ApprovalManager manages the approval workflow
type ApprovalManager struct {
	handler        ApprovalHandler
	defaultTimeout time.Duration
}

// NewApprovalManager creates a new approval manager
func NewApprovalManager(handler ApprovalHandler) *ApprovalManager {
	return &ApprovalManager{
		handler:        handler,
		defaultTimeout: DefaultApprovalTimeout,
	}
}

// RequestApproval asks the handler for a decision. A timeout, a cancelled
// context or a handler failure resolves as a denial; the error then carries
// the cause.
func (am *ApprovalManager) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	if am.handler == nil {
		return deny(ctx, req, "no approval handler configured"), fmt.Errorf("no approval handler configured")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = am.defaultTimeout
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Info().
		Str("tool", req.Tool).
		Str("request_id", req.ID).
		Str("conversation_id", req.ConversationID).
		Msg("Requesting approval")

	responseChan := make(chan ApprovalResponse, 1)
	errorChan := make(chan error, 1)

	go func() {
		response, err := am.handler.RequestApproval(timeoutCtx, req)
		if err != nil {
			errorChan <- err
		} else {
			responseChan <- response
		}
	}()

	select {
	case response := <-responseChan:
		if response.Approved {
			log.Info().Str("tool", req.Tool).Str("reason", response.Reason).Msg("Approval granted")
		} else {
			log.Warn().Str("tool", req.Tool).Str("reason", response.Reason).Msg("Approval denied")
		}
		observability.RecordApproval(req.Tool, response.Approved)
		observability.RecordApprovalAudit(ctx, req.Tool, response.Actor, response.Approved, response.Reason)
		return response, nil

	case err := <-errorChan:
		if timeoutCtx.Err() != nil {
			return am.expired(ctx, req, timeout)
		}
		log.Error().Err(err).Str("tool", req.Tool).Msg("Approval request failed")
		return deny(ctx, req, "approval request failed"), fmt.Errorf("approval request failed: %w", err)

	case <-timeoutCtx.Done():
		return am.expired(ctx, req, timeout)
	}
}

func (am *ApprovalManager) expired(ctx context.Context, req ApprovalRequest, timeout time.Duration) (ApprovalResponse, error) {
	if err := ctx.Err(); err != nil {
		log.Warn().Str("tool", req.Tool).Msg("Approval request cancelled")
		return deny(ctx, req, "approval cancelled"), err
	}
	log.Warn().Str("tool", req.Tool).Dur("timeout", timeout).Msg("Approval request timed out")
	return deny(ctx, req, fmt.Sprintf("approval timed out after %v", timeout)), context.DeadlineExceeded
}

func deny(ctx context.Context, req ApprovalRequest, reason string) ApprovalResponse {
	observability.RecordApproval(req.Tool, false)
	observability.RecordApprovalAudit(ctx, req.Tool, "system", false, reason)
	return ApprovalResponse{Approved: false, Reason: reason, Actor: "system"}
}

// SetDefaultTimeout sets the default timeout for approval requests
func (am *ApprovalManager) SetDefaultTimeout(timeout time.Duration) {
	am.defaultTimeout = timeout
}

// DefaultTimeout returns the default timeout
func (am *ApprovalManager) DefaultTimeout() time.Duration {
	return am.defaultTimeout
}

// SetHandler sets the approval handler
func (am *ApprovalManager) SetHandler(handler ApprovalHandler) {
	am.handler = handler
}

// Handler returns the configured approval handler.
func (am *ApprovalManager) Handler() ApprovalHandler {
	return am.handler
}
