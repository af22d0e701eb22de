package toolexecutor

import "context"

// AutoApproveHandler approves every request without user interaction.
type AutoApproveHandler struct{}

// RequestApproval implements ApprovalHandler.
func (AutoApproveHandler) RequestApproval(_ context.Context, _ ApprovalRequest) (ApprovalResponse, error) {
	return ApprovalResponse{Approved: true, Reason: "auto-approved", Actor: "auto"}, nil
}

// DenyAllHandler denies every request.
type DenyAllHandler struct {
	Reason string
}

// RequestApproval implements ApprovalHandler.
func (h DenyAllHandler) RequestApproval(_ context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	reason := h.Reason
	if reason == "" {
		reason = "tool " + req.Tool + " is not permitted"
	}
	return ApprovalResponse{Approved: false, Reason: reason, Actor: "policy"}, nil
}

// ApprovalFunc adapts a function to ApprovalHandler.
type ApprovalFunc func(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error)

// RequestApproval implements ApprovalHandler.
func (f ApprovalFunc) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	return f(ctx, req)
}
