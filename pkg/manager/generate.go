package manager

import (
	"context"
	"strconv"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/adapter"
	"github.com/harun/parley/pkg/capability"
	"github.com/harun/parley/pkg/conversation"
	"github.com/harun/parley/pkg/errs"
	"github.com/harun/parley/pkg/provider"
	"github.com/harun/parley/pkg/toolchain"
)

// Checkpoint meta keys. A suspended turn carries where its response belongs.
const (
	metaConversation = "conversation_id"
	metaMessage      = "message_id"
	metaBranch       = "branch_id"
	metaLabel        = "label"
	metaNewBranch    = "new_branch"
	metaModel        = "model"
)

// BranchIDPrefix prefixes the ids of branches created by regeneration.
const BranchIDPrefix = "branch-"

// target is where a generated response goes, inside a working copy.
type target struct {
	conv     *conversation.Conversation
	branchID string
	message  *conversation.Message
	label    string
	meta     map[string]string
}

// outcome is a finished generation in either path.
type outcome struct {
	text         string
	toolUses     []conversation.ToolUse
	toolResults  []conversation.ToolResult
	usage        provider.Usage
	latency      time.Duration
	iterations   int
	truncated    bool
	loopDetected bool
}

// GenerateResponse answers a message with a model and appends the response.
//
// The history ends at the message on the branch that owns it. A turn that
// needs approval in async mode returns a *errs.PendingApprovalError whose
// token ResumeResponse accepts.
func (m *Manager) GenerateResponse(ctx context.Context, convID, messageID, modelID string, params provider.Params) (*conversation.Response, error) {
	ctx = tracing.NewTurnContext(ctx, convID)
	ctx, span := tracing.StartSpan(ctx, tracing.TracerManager, "manager.generate_response",
		attribute.String("conversation_id", convID),
		attribute.String("message_id", messageID),
		attribute.String("model", modelID),
	)
	defer span.End()

	if _, err := m.registry.Get(modelID); err != nil {
		return nil, err
	}
	release, err := m.lanes.acquire(ctx, convID, m.logger)
	if err != nil {
		return nil, err
	}
	defer release()

	conv, err := m.store.Get(ctx, convID)
	if err != nil {
		return nil, err
	}
	work := conv.Clone()
	owner, idx, err := work.LocateMessage(messageID)
	if err != nil {
		return nil, err
	}

	t := &target{conv: work, branchID: owner.ID, message: owner.Messages[idx]}
	resp, err := m.generate(ctx, t, modelID, params)
	if err != nil {
		return nil, failSpan(span, err)
	}
	if err := m.commit(ctx, t, resp); err != nil {
		return nil, failSpan(span, err)
	}
	return resp, nil
}

// SendMessage adds a user message and answers it. The message stays saved
// when the generation fails.
func (m *Manager) SendMessage(ctx context.Context, convID, branchID, userID, text string, attachments []conversation.Attachment, modelID string, params provider.Params) (*conversation.Message, *conversation.Response, error) {
	if _, err := m.registry.Get(modelID); err != nil {
		return nil, nil, err
	}
	msg, err := m.AddMessage(ctx, convID, branchID, userID, text, attachments)
	if err != nil {
		return nil, nil, err
	}
	resp, err := m.GenerateResponse(ctx, convID, msg.ID, modelID, params)
	if err != nil {
		return msg, nil, err
	}
	return msg, resp, nil
}

// RegenerateResponse produces another response for a message visible from
// branchID. An empty modelID reuses the model of the first response.
//
// Without newBranch the response is a labelled alternative on the same
// message. With newBranch a branch is forked from the owner of the message
// right before it, a copy of the message is placed at its head, and the
// response lands on the copy labelled with the branch id. The branch and the
// response are saved together.
func (m *Manager) RegenerateResponse(ctx context.Context, convID, branchID, messageID, modelID string, newBranch bool, params provider.Params) (*conversation.Branch, *conversation.Message, error) {
	if branchID == "" {
		branchID = conversation.MainBranchID
	}
	ctx = tracing.WithBranchID(tracing.NewTurnContext(ctx, convID), branchID)
	ctx, span := tracing.StartSpan(ctx, tracing.TracerManager, "manager.regenerate_response",
		attribute.String("conversation_id", convID),
		attribute.String("branch_id", branchID),
		attribute.String("message_id", messageID),
		attribute.Bool("new_branch", newBranch),
	)
	defer span.End()

	release, err := m.lanes.acquire(ctx, convID, m.logger)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	conv, err := m.store.Get(ctx, convID)
	if err != nil {
		return nil, nil, err
	}
	if _, err := conv.Branch(branchID); err != nil {
		return nil, nil, err
	}
	visible, err := conversation.Visible(conv, branchID, messageID)
	if err != nil {
		return nil, nil, failSpan(span, err)
	}
	if !visible {
		return nil, nil, errs.MessageNotFound(messageID)
	}

	work := conv.Clone()
	owner, idx, err := work.LocateMessage(messageID)
	if err != nil {
		return nil, nil, err
	}
	source := owner.Messages[idx]

	if modelID == "" {
		if len(source.Responses) == 0 {
			return nil, nil, errs.InvalidArgument("model", "no existing response to take the model from")
		}
		modelID = source.Responses[0].Model
	}
	if _, err := m.registry.Get(modelID); err != nil {
		return nil, nil, err
	}

	var t *target
	if newBranch {
		t, err = forkTarget(work, owner, idx, BranchIDPrefix+gonanoid.Must(12))
		if err != nil {
			return nil, nil, err
		}
	} else {
		t = &target{
			conv:     work,
			branchID: owner.ID,
			message:  source,
			label:    "alt-" + strconv.Itoa(len(source.Responses)),
		}
	}

	resp, err := m.generate(ctx, t, modelID, params)
	if err != nil {
		return nil, nil, failSpan(span, err)
	}
	if err := m.commit(ctx, t, resp); err != nil {
		return nil, nil, failSpan(span, err)
	}

	branch := work.Branches[t.branchID]
	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Info().
		Str("message_id", t.message.ID).
		Str("target_branch", branch.ID).
		Str("label", resp.Label).
		Str("model", modelID).
		Msg("Response regenerated")
	return branch, t.message, nil
}

// forkTarget adds a branch off owner at idx with a copy of the message at idx
// as its first message. On a fresh fork the target is labelled with the
// branch id.
func forkTarget(work *conversation.Conversation, owner *conversation.Branch, idx int, branchID string) (*target, error) {
	source := owner.Messages[idx]
	if _, err := work.AddBranch(branchID, owner.ID, idx); err != nil {
		return nil, err
	}
	cp, err := work.AppendMessage(branchID, source.CopyForBranch())
	if err != nil {
		return nil, err
	}
	return &target{
		conv:     work,
		branchID: branchID,
		message:  cp,
		label:    branchID,
		meta:     map[string]string{metaNewBranch: source.ID},
	}, nil
}

// ResumeResponse completes a turn suspended for approval and appends its
// response. decisions maps tool use ids to approval; missing ids are denied.
func (m *Manager) ResumeResponse(ctx context.Context, token string, decisions map[string]bool) (*conversation.Response, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerManager, "manager.resume_response")
	defer span.End()

	res, err := m.engine.Resume(ctx, m.invoker, token, decisions)
	if err != nil {
		return nil, failSpan(span, err)
	}
	if res.State == toolchain.StatePendingApproval {
		return nil, pendingError(res)
	}

	convID := res.Meta[metaConversation]
	ctx = tracing.WithConversationID(ctx, convID)
	// The checkpoint is already spent, so the wait ignores cancellation.
	release, err := m.lanes.acquire(tracing.Detach(ctx), convID, m.logger)
	if err != nil {
		return nil, failSpan(span, err)
	}
	defer release()

	conv, err := m.store.Get(ctx, convID)
	if err != nil {
		return nil, failSpan(span, err)
	}
	work := conv.Clone()

	var t *target
	if sourceID := res.Meta[metaNewBranch]; sourceID != "" {
		owner, idx, err := work.LocateMessage(sourceID)
		if err != nil {
			return nil, failSpan(span, err)
		}
		t, err = forkTarget(work, owner, idx, res.Meta[metaBranch])
		if err != nil {
			return nil, failSpan(span, err)
		}
	} else {
		owner, idx, err := work.LocateMessage(res.Meta[metaMessage])
		if err != nil {
			return nil, failSpan(span, err)
		}
		t = &target{conv: work, branchID: owner.ID, message: owner.Messages[idx], label: res.Meta[metaLabel]}
	}

	model, err := m.registry.Get(res.Meta[metaModel])
	if err != nil {
		return nil, failSpan(span, err)
	}
	resp := newResponse(model, t.label, chainOutcome(res))
	if err := m.commit(ctx, t, resp); err != nil {
		return nil, failSpan(span, err)
	}
	return resp, nil
}

// generate adapts the history of t for the model and produces a response
// without attaching it.
func (m *Manager) generate(ctx context.Context, t *target, modelID string, params provider.Params) (*conversation.Response, error) {
	model, err := m.registry.Get(modelID)
	if err != nil {
		return nil, err
	}
	logger := tracing.LoggerFromContext(ctx, m.logger)

	history, err := conversation.HistoryThrough(t.conv, t.branchID, t.message.ID)
	if err != nil {
		return nil, err
	}
	opts := m.adapt
	opts.Label = t.label
	adapted := adapter.Adapt(history, model.Capabilities, opts)
	if adapted.Dropped > 0 {
		observability.RecordAdapterDropped(model.ID, adapted.Dropped)
	}
	for _, note := range adapted.Notes {
		logger.Debug().Str("model", model.ID).Msg(note)
	}
	messages := adapter.Transcript(adapted.Messages, model.Capabilities, t.label)

	if m.tools.HasActive() && model.Capabilities.SupportsFunctionCalling {
		meta := map[string]string{
			metaConversation: t.conv.ID,
			metaMessage:      t.message.ID,
			metaBranch:       t.branchID,
			metaLabel:        t.label,
			metaModel:        model.ID,
		}
		for k, v := range t.meta {
			meta[k] = v
		}
		res, err := m.engine.Run(ctx, m.invoker, toolchain.Turn{
			ConversationID: t.conv.ID,
			Model:          model.ID,
			Messages:       messages,
			Params:         params,
			MaxIterations:  params.MaxIterations,
			Meta:           meta,
		})
		if err != nil {
			return nil, err
		}
		if res.State == toolchain.StatePendingApproval {
			logger.Info().Str("token", res.Token).Int("pending", len(res.Pending)).Msg("Generation waiting for approval")
			pending := pendingError(res)
			m.notifyPending(ctx, t.conv.ID, pending)
			return nil, pending
		}
		return newResponse(model, t.label, chainOutcome(res)), nil
	}

	reply, err := m.invoker.Invoke(ctx, provider.Request{
		Model:    model.ID,
		Messages: messages,
		Params:   params,
	})
	if err != nil {
		return nil, errs.Generation(model.ID, err)
	}
	return newResponse(model, t.label, outcome{
		text:       reply.Text,
		usage:      reply.Usage,
		latency:    reply.Latency,
		iterations: 1,
	}), nil
}

// commit attaches resp to the target message and saves the working copy.
func (m *Manager) commit(ctx context.Context, t *target, resp *conversation.Response) error {
	t.message.AddResponse(resp)
	t.conv.Touch()
	if err := m.store.Save(ctx, t.conv); err != nil {
		return err
	}
	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Info().
		Str("message_id", t.message.ID).
		Str("response_id", resp.ID).
		Str("model", resp.Model).
		Int("input_tokens", resp.Metadata.InputTokens).
		Int("output_tokens", resp.Metadata.OutputTokens).
		Msg("Response added")
	m.notifyCommitted(ctx, t, resp.ID, resp.Model, resp.Label)
	return nil
}

func chainOutcome(res *toolchain.Result) outcome {
	return outcome{
		text:         res.Text,
		toolUses:     res.ToolUses,
		toolResults:  res.ToolResults,
		usage:        res.Usage,
		latency:      res.Latency,
		iterations:   res.Iterations,
		truncated:    res.Truncated,
		loopDetected: res.LoopDetected,
	}
}

func newResponse(model capability.Model, label string, o outcome) *conversation.Response {
	return &conversation.Response{
		Text:        o.text,
		Model:       model.ID,
		Label:       label,
		ToolUses:    o.toolUses,
		ToolResults: o.toolResults,
		Metadata: conversation.Metadata{
			InputTokens:  o.usage.InputTokens,
			OutputTokens: o.usage.OutputTokens,
			LatencyMs:    o.latency.Milliseconds(),
			CostEstimate: model.Pricing.Cost(o.usage.InputTokens, o.usage.OutputTokens),
			Success:      true,
			Iterations:   o.iterations,
			Truncated:    o.truncated,
			LoopDetected: o.loopDetected,
		},
	}
}

func pendingError(res *toolchain.Result) error {
	pending := &errs.PendingApprovalError{
		Token:   res.Token,
		Tools:   make([]string, len(res.Pending)),
		CallIDs: make([]string, len(res.Pending)),
	}
	for i, call := range res.Pending {
		pending.Tools[i] = call.Name
		pending.CallIDs[i] = call.ID
	}
	return pending
}

func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
