package toolexecutor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ApprovalAction is a decision a reviewer can give on a pending request.
type ApprovalAction string

const (
	ApprovalActionAllowOnce   ApprovalAction = "allow-once"
	ApprovalActionAllowAlways ApprovalAction = "allow-always"
	ApprovalActionDeny        ApprovalAction = "deny"
)

// ParseApprovalAction parses a user-provided action string.
func ParseApprovalAction(value string) (ApprovalAction, error) {
	action := ApprovalAction(strings.ToLower(strings.TrimSpace(value)))
	switch action {
	case ApprovalActionAllowOnce, ApprovalActionAllowAlways, ApprovalActionDeny:
		return action, nil
	default:
		return "", fmt.Errorf("invalid approval action %q", value)
	}
}

// PendingApproval describes an approval request waiting for a decision.
type PendingApproval struct {
	ID        string
	Request   ApprovalRequest
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ApprovalForwarder announces pending approvals to whoever reviews them.
type ApprovalForwarder interface {
	ForwardApproval(ctx context.Context, pending PendingApproval) error
}

// ForwarderFunc adapts a function to ApprovalForwarder.
type ForwarderFunc func(ctx context.Context, pending PendingApproval) error

// ForwardApproval implements ApprovalForwarder.
func (f ForwarderFunc) ForwardApproval(ctx context.Context, pending PendingApproval) error {
	return f(ctx, pending)
}

// ChannelApprovalHandler blocks each request until ResolveApproval is called
// with its id. Tools allowed with allow-always skip the wait afterwards.
type ChannelApprovalHandler struct {
	forwarder ApprovalForwarder

	mu       sync.RWMutex
	pending  map[string]chan ApprovalResponse
	requests map[string]PendingApproval
	always   map[string]bool
}

// NewChannelApprovalHandler creates a handler. forwarder may be nil, in which
// case reviewers discover requests through Pending.
func NewChannelApprovalHandler(forwarder ApprovalForwarder) *ChannelApprovalHandler {
	return &ChannelApprovalHandler{
		forwarder: forwarder,
		pending:   make(map[string]chan ApprovalResponse),
		requests:  make(map[string]PendingApproval),
		always:    make(map[string]bool),
	}
}

// RequestApproval implements ApprovalHandler.
func (h *ChannelApprovalHandler) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	h.mu.RLock()
	allowed := h.always[req.Tool]
	h.mu.RUnlock()
	if allowed {
		return ApprovalResponse{Approved: true, Reason: "approved by allowlist", Actor: "allowlist"}, nil
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	responseCh := make(chan ApprovalResponse, 1)

	pending := PendingApproval{
		ID:        id,
		Request:   req,
		CreatedAt: time.Now(),
	}
	if deadline, ok := ctx.Deadline(); ok {
		pending.ExpiresAt = deadline
	}

	h.mu.Lock()
	if _, dup := h.pending[id]; dup {
		h.mu.Unlock()
		return ApprovalResponse{}, fmt.Errorf("approval %s is already pending", id)
	}
	h.pending[id] = responseCh
	h.requests[id] = pending
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pending, id)
		delete(h.requests, id)
		h.mu.Unlock()
	}()

	if h.forwarder != nil {
		if err := h.forwarder.ForwardApproval(ctx, pending); err != nil {
			return ApprovalResponse{}, err
		}
	}

	select {
	case response := <-responseCh:
		return response, nil
	case <-ctx.Done():
		return ApprovalResponse{}, ctx.Err()
	}
}

// Pending returns the outstanding requests, oldest first.
func (h *ChannelApprovalHandler) Pending() []PendingApproval {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]PendingApproval, 0, len(h.requests))
	for _, p := range h.requests {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ResolveApproval resolves a pending approval by ID and action.
func (h *ChannelApprovalHandler) ResolveApproval(id string, action ApprovalAction, actor string) error {
	h.mu.RLock()
	responseCh, exists := h.pending[id]
	pending := h.requests[id]
	h.mu.RUnlock()

	if !exists {
		return fmt.Errorf("approval %s not found", id)
	}

	var response ApprovalResponse
	switch action {
	case ApprovalActionAllowOnce:
		response = ApprovalResponse{Approved: true, Reason: fmt.Sprintf("approved once by %s", actor), Actor: actor}
	case ApprovalActionAllowAlways:
		h.mu.Lock()
		h.always[pending.Request.Tool] = true
		h.mu.Unlock()
		response = ApprovalResponse{Approved: true, Reason: fmt.Sprintf("approved always by %s", actor), Actor: actor}
	case ApprovalActionDeny:
		response = ApprovalResponse{Approved: false, Reason: fmt.Sprintf("denied by %s", actor), Actor: actor}
	default:
		return fmt.Errorf("unsupported approval action %q", action)
	}

	select {
	case responseCh <- response:
		return nil
	default:
		return fmt.Errorf("approval %s already resolved", id)
	}
}

// Revoke removes a tool from the allow-always set.
func (h *ChannelApprovalHandler) Revoke(tool string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.always, tool)
}
