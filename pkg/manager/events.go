package manager

import (
	"context"
	"errors"
	"strings"

	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/errs"
	"github.com/harun/parley/pkg/hooks"
)

// notify fires a hook event. Hook failures are logged and never fail the
// operation that raised them.
func (m *Manager) notify(ctx context.Context, name string, data map[string]string) {
	if !m.hooks.Has(name) {
		return
	}
	if err := m.hooks.Fire(tracing.Detach(ctx), hooks.Event{Name: name, Data: data}); err != nil {
		logger := tracing.LoggerFromContext(ctx, m.logger)
		logger.Warn().Err(err).Str("event", name).Msg("Hook failed")
	}
}

func (m *Manager) notifyCommitted(ctx context.Context, t *target, respID, model, label string) {
	if source := t.meta[metaNewBranch]; source != "" {
		b := t.conv.Branches[t.branchID]
		m.notify(ctx, hooks.EventBranchCreated, map[string]string{
			"conversation_id":   t.conv.ID,
			"branch_id":         b.ID,
			"parent_id":         b.ParentID,
			"source_message_id": source,
		})
	}
	m.notify(ctx, hooks.EventResponseGenerated, map[string]string{
		"conversation_id": t.conv.ID,
		"branch_id":       t.branchID,
		"message_id":      t.message.ID,
		"response_id":     respID,
		"model":           model,
		"label":           label,
	})
}

func (m *Manager) notifyPending(ctx context.Context, convID string, err error) {
	var pending *errs.PendingApprovalError
	if !errors.As(err, &pending) {
		return
	}
	m.notify(ctx, hooks.EventApprovalPending, map[string]string{
		"conversation_id": convID,
		"token":           pending.Token,
		"tools":           strings.Join(pending.Tools, ","),
	})
}
