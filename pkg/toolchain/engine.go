// Package toolchain drives the iterative tool loop of one user turn.
//
// A turn moves through AwaitingModel, ModelResponded and ExecutingTools until
// the model answers in plain text, the iteration budget runs out, or a call
// repeats. Approval-gated calls either block on an ApprovalManager or suspend
// the turn into a Checkpoint that Resume continues later.
//
// Invariants:
// - Rounds are strictly sequential; sibling calls within a round may run concurrently.
// - A model failure yields a GenerationError and no Result.
// - Truncated and LoopDetected are flags on a Terminal result, not errors.
package toolchain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/conversation"
	"github.com/harun/parley/pkg/errs"
	"github.com/harun/parley/pkg/provider"
	"github.com/harun/parley/pkg/toolexecutor"
)

// State is a step of the tool-chain state machine.
type State string

const (
	StateAwaitingModel   State = "awaiting_model"
	StateModelResponded  State = "model_responded"
	StateExecutingTools  State = "executing_tools"
	StatePendingApproval State = "pending_approval"
	StateTerminal        State = "terminal"
)

// ApprovalMode selects how gated calls wait for a decision.
type ApprovalMode string

const (
	ApprovalSync  ApprovalMode = "sync"
	ApprovalAsync ApprovalMode = "async"
)

const (
	DefaultMaxIterations    = 5
	DefaultMaxParallelTools = 4
)

// Invoker makes one model call.
type Invoker interface {
	Invoke(ctx context.Context, req provider.Request) (*provider.Result, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, req provider.Request) (*provider.Result, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, req provider.Request) (*provider.Result, error) {
	return f(ctx, req)
}

// Tools is the part of the tool executor the engine needs.
type Tools interface {
	Execute(ctx context.Context, name string, args map[string]interface{}) (conversation.ToolResult, error)
	RequiresApproval(name string) bool
	ListAvailable(activeOnly bool) []toolexecutor.Descriptor
}

// Config tunes an Engine.
type Config struct {
	MaxIterations    int
	MaxParallelTools int
	ApprovalMode     ApprovalMode
	// Approvals decides gated calls in ApprovalSync mode. Nil denies them.
	Approvals *toolexecutor.ApprovalManager
	// Checkpoints holds suspended turns in ApprovalAsync mode.
	Checkpoints   CheckpointStore
	CheckpointTTL time.Duration
}

// Turn is the input of one engine run. Meta is carried through suspension
// untouched so callers can find their place again on Resume.
type Turn struct {
	ConversationID string             `json:"conversation_id"`
	Model          string             `json:"model"`
	Messages       []provider.Message `json:"messages"`
	Params         provider.Params    `json:"params"`
	// MaxIterations overrides the engine budget for this turn when positive.
	MaxIterations int               `json:"max_iterations,omitempty"`
	Meta          map[string]string `json:"meta,omitempty"`
}

// Result is the outcome of a run.
type Result struct {
	State        State
	Text         string
	ToolUses     []conversation.ToolUse
	ToolResults  []conversation.ToolResult
	Iterations   int
	Truncated    bool
	LoopDetected bool
	Usage        provider.Usage
	Latency      time.Duration
	Meta         map[string]string

	// Token and Pending are set when State is StatePendingApproval.
	Token   string
	Pending []provider.ToolCall
}

// Engine runs tool chains.
type Engine struct {
	tools Tools
	cfg   Config
}

// New creates an engine, applying defaults to cfg.
func New(tools Tools, cfg Config) (*Engine, error) {
	if tools == nil {
		return nil, errs.InvalidArgument("toolchain", "tools is required")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxParallelTools <= 0 {
		cfg.MaxParallelTools = DefaultMaxParallelTools
	}
	if cfg.CheckpointTTL <= 0 {
		cfg.CheckpointTTL = DefaultCheckpointTTL
	}
	switch cfg.ApprovalMode {
	case "":
		cfg.ApprovalMode = ApprovalSync
	case ApprovalSync:
	case ApprovalAsync:
		if cfg.Checkpoints == nil {
			cfg.Checkpoints = NewMemoryCheckpointStore()
		}
	default:
		return nil, errs.InvalidArgument("approval_mode", fmt.Sprintf("unknown mode %q", cfg.ApprovalMode))
	}
	return &Engine{tools: tools, cfg: cfg}, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

type runState struct {
	turn        Turn
	messages    []provider.Message
	seen        map[string]bool
	toolUses    []conversation.ToolUse
	toolResults []conversation.ToolResult
	iterations  int
	usage       provider.Usage
	latency     time.Duration
	lastText    string
}

// Run starts a chain for turn.
func (e *Engine) Run(ctx context.Context, invoker Invoker, turn Turn) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerChain, "toolchain.run",
		attribute.String("model", turn.Model),
		attribute.String("conversation_id", turn.ConversationID),
	)
	defer span.End()

	st := &runState{
		turn:     turn,
		messages: append([]provider.Message(nil), turn.Messages...),
		seen:     make(map[string]bool),
	}
	res, err := e.loop(ctx, invoker, st, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool chain failed")
	}
	return res, err
}

// Resume continues a suspended turn. decisions maps tool use ids to approval;
// gated calls without a decision are denied.
func (e *Engine) Resume(ctx context.Context, invoker Invoker, token string, decisions map[string]bool) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerChain, "toolchain.resume")
	defer span.End()

	if e.cfg.Checkpoints == nil {
		return nil, errs.CheckpointNotFound(token)
	}
	cp, err := e.cfg.Checkpoints.Take(ctx, token)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	st := &runState{
		turn:        cp.Turn,
		messages:    cp.Messages,
		seen:        make(map[string]bool, len(cp.Seen)),
		toolUses:    cp.ToolUses,
		toolResults: cp.ToolResults,
		iterations:  cp.Iterations,
		usage:       cp.Usage,
		latency:     time.Duration(cp.LatencyMs) * time.Millisecond,
		lastText:    cp.LastText,
	}
	for _, key := range cp.Seen {
		st.seen[key] = true
	}

	approvals := make(map[string]toolexecutor.ApprovalResponse, len(cp.Gated))
	for _, id := range cp.Gated {
		approved, ok := decisions[id]
		switch {
		case !ok:
			approvals[id] = toolexecutor.ApprovalResponse{Reason: "no decision supplied"}
		case approved:
			approvals[id] = toolexecutor.ApprovalResponse{Approved: true, Reason: "approved on resume"}
		default:
			approvals[id] = toolexecutor.ApprovalResponse{Reason: "denied on resume"}
		}
		observability.RecordApproval(toolName(cp.Round, id), approvals[id].Approved)
	}

	res, err := e.loop(ctx, invoker, st, cp.Round, approvals)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool chain failed")
	}
	return res, err
}

// loop runs rounds until a terminal state. A non-nil round is executed first,
// with approvals already decided.
func (e *Engine) loop(ctx context.Context, invoker Invoker, st *runState, round []provider.ToolCall, approvals map[string]toolexecutor.ApprovalResponse) (*Result, error) {
	ctx = tracing.WithConversationID(ctx, st.turn.ConversationID)
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	specs := e.toolSpecs()

	for {
		if round != nil {
			if err := e.executeRound(ctx, st, round, approvals); err != nil {
				return nil, err
			}
			round, approvals = nil, nil
		}

		// AwaitingModel
		st.iterations++
		logger.Debug().Int("iteration", st.iterations).Str("state", string(StateAwaitingModel)).Msg("Invoking model")
		reply, err := invoker.Invoke(ctx, provider.Request{
			Model:    st.turn.Model,
			Messages: append([]provider.Message(nil), st.messages...),
			Tools:    specs,
			Params:   st.turn.Params,
		})
		if err != nil {
			logger.Error().Err(err).Int("iteration", st.iterations).Msg("Model call failed")
			return nil, errs.Generation(st.turn.Model, err)
		}

		// ModelResponded
		st.usage.InputTokens += reply.Usage.InputTokens
		st.usage.OutputTokens += reply.Usage.OutputTokens
		st.latency += reply.Latency
		if reply.Text != "" {
			st.lastText = reply.Text
		}

		if len(reply.ToolCalls) == 0 {
			return e.finish(st, reply.Text, "completed"), nil
		}

		calls := make([]provider.ToolCall, len(reply.ToolCalls))
		keys := make([]string, len(reply.ToolCalls))
		for i, call := range reply.ToolCalls {
			if call.ID == "" {
				call.ID = "call_" + uuid.NewString()
			}
			if call.Input == nil {
				call.Input = map[string]interface{}{}
			}
			calls[i] = call
			keys[i] = callKey(call)
		}

		if repeated := firstRepeat(st.seen, keys); repeated >= 0 {
			logger.Warn().Str("tool", calls[repeated].Name).Int("iteration", st.iterations).Msg("Repeated tool call, stopping chain")
			res := e.finish(st, st.lastText, "loop")
			res.LoopDetected = true
			return res, nil
		}

		if st.iterations >= e.budget(st.turn) {
			logger.Warn().Int("iterations", st.iterations).Int("outstanding", len(calls)).Msg("Iteration budget exhausted")
			res := e.finish(st, st.lastText, "truncated")
			res.Truncated = true
			return res, nil
		}

		for i, call := range calls {
			st.seen[keys[i]] = true
			st.toolUses = append(st.toolUses, conversation.ToolUse{
				ID:        call.ID,
				Name:      call.Name,
				Input:     call.Input,
				Iteration: st.iterations,
			})
		}
		st.messages = append(st.messages, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   reply.Text,
			ToolCalls: calls,
		})

		gated := e.gated(calls)
		if len(gated) == 0 {
			round = calls
			continue
		}

		if e.cfg.ApprovalMode == ApprovalAsync {
			return e.suspend(ctx, st, calls, gated)
		}

		approvals = e.requestApprovals(ctx, st, calls, gated)
		round = calls
	}
}

func (e *Engine) budget(turn Turn) int {
	if turn.MaxIterations > 0 {
		return turn.MaxIterations
	}
	return e.cfg.MaxIterations
}

func (e *Engine) finish(st *runState, text, outcome string) *Result {
	if text == "" {
		text = st.lastText
	}
	observability.RecordChainOutcome(outcome, st.iterations)
	return &Result{
		State:       StateTerminal,
		Text:        text,
		ToolUses:    st.toolUses,
		ToolResults: st.toolResults,
		Iterations:  st.iterations,
		Usage:       st.usage,
		Latency:     st.latency,
		Meta:        st.turn.Meta,
	}
}

func (e *Engine) gated(calls []provider.ToolCall) []string {
	var ids []string
	for _, call := range calls {
		if e.tools.RequiresApproval(call.Name) {
			ids = append(ids, call.ID)
		}
	}
	return ids
}

func (e *Engine) requestApprovals(ctx context.Context, st *runState, calls []provider.ToolCall, gated []string) map[string]toolexecutor.ApprovalResponse {
	out := make(map[string]toolexecutor.ApprovalResponse, len(gated))
	for _, id := range gated {
		name := toolName(calls, id)
		if e.cfg.Approvals == nil {
			out[id] = toolexecutor.ApprovalResponse{Reason: "no approval handler configured"}
			observability.RecordApproval(name, false)
			continue
		}
		resp, err := e.cfg.Approvals.RequestApproval(ctx, toolexecutor.ApprovalRequest{
			ID:             id,
			Tool:           name,
			Input:          toolInput(calls, id),
			ConversationID: st.turn.ConversationID,
		})
		if err != nil {
			log.Warn().Err(err).Str("tool", name).Msg("Approval resolved as denial")
		}
		out[id] = resp
	}
	return out
}

func (e *Engine) suspend(ctx context.Context, st *runState, calls []provider.ToolCall, gated []string) (*Result, error) {
	now := time.Now().UTC()
	cp := &Checkpoint{
		Token:       NewToken(),
		Turn:        st.turn,
		Messages:    st.messages,
		ToolUses:    st.toolUses,
		ToolResults: st.toolResults,
		Iterations:  st.iterations,
		Usage:       st.usage,
		LatencyMs:   st.latency.Milliseconds(),
		LastText:    st.lastText,
		Round:       calls,
		Gated:       gated,
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.cfg.CheckpointTTL),
	}
	for key := range st.seen {
		cp.Seen = append(cp.Seen, key)
	}
	if err := e.cfg.Checkpoints.Save(ctx, cp); err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}

	pending := make([]provider.ToolCall, 0, len(gated))
	for _, id := range gated {
		for _, c := range calls {
			if c.ID == id {
				pending = append(pending, c)
			}
		}
	}

	log.Info().Str("token", cp.Token).Int("pending", len(pending)).Str("conversation_id", st.turn.ConversationID).Msg("Turn suspended for approval")
	observability.RecordChainOutcome("pending", st.iterations)
	return &Result{
		State:       StatePendingApproval,
		Text:        st.lastText,
		ToolUses:    st.toolUses,
		ToolResults: st.toolResults,
		Iterations:  st.iterations,
		Usage:       st.usage,
		Latency:     st.latency,
		Meta:        st.turn.Meta,
		Token:       cp.Token,
		Pending:     pending,
	}, nil
}

// executeRound runs the calls of one round concurrently. Handlers run on a
// context detached from cancellation; if ctx is cancelled meanwhile the round
// is discarded.
func (e *Engine) executeRound(ctx context.Context, st *runState, calls []provider.ToolCall, approvals map[string]toolexecutor.ApprovalResponse) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("tool chain cancelled: %w", err)
	}
	ctx, span := tracing.StartSpan(ctx, tracing.TracerChain, "toolchain.execute_round",
		attribute.Int("iteration", st.iterations),
		attribute.Int("calls", len(calls)),
	)
	defer span.End()

	results := make([]conversation.ToolResult, len(calls))
	detached := context.WithoutCancel(ctx)

	g := new(errgroup.Group)
	g.SetLimit(e.cfg.MaxParallelTools)
	for i, call := range calls {
		if resp, gated := approvals[call.ID]; gated && !resp.Approved {
			results[i] = conversation.ToolResult{
				ToolUseID: call.ID,
				Denied:    true,
				Error:     "denied: " + resp.Reason,
			}
			continue
		}

		g.Go(func() error {
			callCtx := toolexecutor.WithCallInfo(detached, toolexecutor.CallInfo{
				ToolUseID:      call.ID,
				ConversationID: st.turn.ConversationID,
				Iteration:      st.iterations,
			})
			res, err := e.tools.Execute(callCtx, call.Name, call.Input)
			if err != nil {
				res = conversation.ToolResult{Error: err.Error()}
			}
			res.ToolUseID = call.ID
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("tool chain cancelled: %w", err)
	}

	for _, res := range results {
		st.toolResults = append(st.toolResults, res)
		content := resultContent(res)
		st.messages = append(st.messages, provider.Message{
			Role:       provider.RoleTool,
			ToolCallID: res.ToolUseID,
			Content:    content,
			IsError:    res.IsError(),
		})
	}
	return nil
}

func (e *Engine) toolSpecs() []provider.ToolSpec {
	descriptors := e.tools.ListAvailable(true)
	specs := make([]provider.ToolSpec, len(descriptors))
	for i, d := range descriptors {
		specs[i] = provider.ToolSpec{Name: d.Name, Description: d.Description, Schema: d.InputSchema}
	}
	return specs
}

// callKey identifies a call by tool name and a digest of its canonical JSON
// arguments. encoding/json writes map keys sorted, which makes it canonical.
func callKey(call provider.ToolCall) string {
	args, err := json.Marshal(call.Input)
	if err != nil {
		args = []byte(fmt.Sprint(call.Input))
	}
	sum := sha256.Sum256(args)
	return call.Name + ":" + hex.EncodeToString(sum[:])
}

// firstRepeat returns the index of the first key already seen, either in an
// earlier round or earlier in this one, or -1.
func firstRepeat(seen map[string]bool, keys []string) int {
	local := make(map[string]bool, len(keys))
	for i, k := range keys {
		if seen[k] || local[k] {
			return i
		}
		local[k] = true
	}
	return -1
}

func toolName(calls []provider.ToolCall, id string) string {
	for _, c := range calls {
		if c.ID == id {
			return c.Name
		}
	}
	return ""
}

func toolInput(calls []provider.ToolCall, id string) map[string]interface{} {
	for _, c := range calls {
		if c.ID == id {
			return c.Input
		}
	}
	return nil
}

func resultContent(res conversation.ToolResult) string {
	if res.Error != "" {
		return res.Error
	}
	switch v := res.Output.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}
