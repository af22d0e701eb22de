package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/parley/pkg/capability"
	"github.com/harun/parley/pkg/conversation"
	"github.com/harun/parley/pkg/errs"
	"github.com/harun/parley/pkg/hooks"
	"github.com/harun/parley/pkg/provider"
	"github.com/harun/parley/pkg/store"
	"github.com/harun/parley/pkg/toolchain"
	"github.com/harun/parley/pkg/toolexecutor"
)

type reply func(req provider.Request) (*provider.Result, error)

// fakeProvider serves model-a (plain) and model-b (tools) and answers with
// scripted replies, repeating the last one.
type fakeProvider struct {
	mu       sync.Mutex
	replies  []reply
	requests []provider.Request
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Models() []capability.Model {
	return []capability.Model{
		{ID: "model-a", Provider: "fake", Capabilities: capability.Capabilities{ContextLimit: 4096}},
		{
			ID: "model-b", Provider: "fake",
			Capabilities: capability.Capabilities{SupportsFunctionCalling: true, ContextLimit: 4096},
			Pricing:      capability.Pricing{InputPerMTok: 1, OutputPerMTok: 2},
		},
	}
}

func (p *fakeProvider) Invoke(_ context.Context, req provider.Request) (*provider.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.replies) == 0 {
		return &provider.Result{Text: "reply from " + req.Model, Usage: provider.Usage{InputTokens: 10, OutputTokens: 4}}, nil
	}
	next := p.replies[0]
	if len(p.replies) > 1 {
		p.replies = p.replies[1:]
	}
	return next(req)
}

func (p *fakeProvider) lastRequest() provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

func textReply(s string) reply {
	return func(provider.Request) (*provider.Result, error) {
		return &provider.Result{Text: s, Usage: provider.Usage{InputTokens: 10, OutputTokens: 4}}, nil
	}
}

func callReply(calls ...provider.ToolCall) reply {
	return func(provider.Request) (*provider.Result, error) {
		return &provider.Result{ToolCalls: calls, Usage: provider.Usage{InputTokens: 5, OutputTokens: 1}}, nil
	}
}

func setupManager(t *testing.T, p *fakeProvider, mutate func(cfg *Config)) *Manager {
	t.Helper()
	cfg := Config{
		Store:     store.New(store.NewMemoryBackend()),
		Providers: map[string]provider.Provider{"fake": p},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	return m
}

func startConversation(t *testing.T, m *Manager, texts ...string) (*conversation.Conversation, []*conversation.Message) {
	t.Helper()
	ctx := context.Background()
	conv, err := m.CreateConversation(ctx, "T1")
	require.NoError(t, err)
	var msgs []*conversation.Message
	for _, text := range texts {
		msg, err := m.AddMessage(ctx, conv.ID, "", "user-1", text, nil)
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}
	return conv, msgs
}

func TestRegenerate_NewBranchCarriesPriorResponses(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t, &fakeProvider{}, nil)
	conv, msgs := startConversation(t, m, "Hello")

	first, err := m.GenerateResponse(ctx, conv.ID, msgs[0].ID, "model-a", provider.Params{})
	require.NoError(t, err)
	assert.Equal(t, "reply from model-a", first.Text)

	branch, copyMsg, err := m.RegenerateResponse(ctx, conv.ID, conversation.MainBranchID, msgs[0].ID, "model-b", true, provider.Params{})
	require.NoError(t, err)
	assert.Equal(t, conversation.MainBranchID, branch.ParentID)
	assert.Equal(t, 0, branch.BranchPoint)
	assert.Contains(t, branch.ID, BranchIDPrefix)

	stored, err := m.GetConversation(ctx, conv.ID)
	require.NoError(t, err)

	history, err := conversation.ResolveHistory(stored, branch.ID, -1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "Hello", history[0].Text)
	assert.Equal(t, copyMsg.ID, history[0].ID)
	assert.Equal(t, msgs[0].ID, history[0].SourceMessageID)
	require.Len(t, history[0].Responses, 2)
	assert.Equal(t, "model-a", history[0].Responses[0].Model)
	assert.Equal(t, "model-b", history[0].Responses[1].Model)
	assert.Equal(t, branch.ID, history[0].Responses[1].Label)
	assert.Equal(t, history[0].ID, history[0].Responses[0].MessageID)

	original := stored.Branches[conversation.MainBranchID].Messages[0]
	assert.Len(t, original.Responses, 1)
}

func TestRegenerate_NewBranchFromMiddle(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t, &fakeProvider{}, nil)
	conv, msgs := startConversation(t, m, "one", "two", "three")

	branch, _, err := m.RegenerateResponse(ctx, conv.ID, "", msgs[1].ID, "model-a", true, provider.Params{})
	require.NoError(t, err)
	assert.Equal(t, 1, branch.BranchPoint)

	stored, err := m.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	history, err := conversation.ResolveHistory(stored, branch.ID, -1)
	require.NoError(t, err)

	texts := make([]string, len(history))
	for i, msg := range history {
		texts[i] = msg.Text
	}
	assert.Equal(t, []string{"one", "two"}, texts)
}

func TestRegenerate_AlternativeOnSameMessage(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t, &fakeProvider{}, nil)
	conv, msgs := startConversation(t, m, "Hello")

	_, err := m.GenerateResponse(ctx, conv.ID, msgs[0].ID, "model-a", provider.Params{})
	require.NoError(t, err)

	branch, msg, err := m.RegenerateResponse(ctx, conv.ID, "", msgs[0].ID, "", false, provider.Params{})
	require.NoError(t, err)
	assert.Equal(t, conversation.MainBranchID, branch.ID)
	assert.Equal(t, msgs[0].ID, msg.ID)
	require.Len(t, msg.Responses, 2)
	assert.Equal(t, "alt-1", msg.Responses[1].Label)
	assert.Equal(t, "model-a", msg.Responses[1].Model)

	stored, err := m.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Branches, 1)
	assert.Len(t, stored.Branches[conversation.MainBranchID].Messages[0].Responses, 2)
}

func TestRegenerate_Errors(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t, &fakeProvider{}, nil)
	conv, msgs := startConversation(t, m, "Hello")

	_, _, err := m.RegenerateResponse(ctx, conv.ID, "", msgs[0].ID, "", false, provider.Params{})
	assert.True(t, errs.IsValidation(err), "no response to take the model from")

	_, _, err = m.RegenerateResponse(ctx, conv.ID, "nope", msgs[0].ID, "model-a", true, provider.Params{})
	assert.ErrorIs(t, err, errs.ErrBranchNotFound)

	_, _, err = m.RegenerateResponse(ctx, conv.ID, "", "missing", "model-a", true, provider.Params{})
	assert.ErrorIs(t, err, errs.ErrMessageNotFound)

	_, _, err = m.RegenerateResponse(ctx, conv.ID, "", msgs[0].ID, "ghost", true, provider.Params{})
	assert.ErrorIs(t, err, errs.ErrModelNotFound)
	assert.True(t, errs.IsNotFound(err))
}

func TestGenerate_FailureAppendsNothing(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{replies: []reply{func(provider.Request) (*provider.Result, error) {
		return nil, errors.New("upstream exploded")
	}}}
	m := setupManager(t, p, nil)
	conv, msgs := startConversation(t, m, "Hello")

	_, err := m.GenerateResponse(ctx, conv.ID, msgs[0].ID, "model-a", provider.Params{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrGeneration)

	var genErr *errs.GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, "model-a", genErr.Model)

	_, _, err = m.RegenerateResponse(ctx, conv.ID, "", msgs[0].ID, "model-a", true, provider.Params{})
	assert.ErrorIs(t, err, errs.ErrGeneration)

	stored, err := m.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Branches[conversation.MainBranchID].Messages[0].Responses)
	assert.Len(t, stored.Branches, 1, "failed regeneration must not leave a branch")

	stats, err := m.UsageStats("model-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Calls)
	assert.Equal(t, int64(0), stats.Successes)
}

func TestGenerate_NotFound(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t, &fakeProvider{}, nil)
	conv, msgs := startConversation(t, m, "Hello")

	tests := []struct {
		name   string
		convID string
		msgID  string
		model  string
		kind   error
	}{
		{"model", conv.ID, msgs[0].ID, "ghost", errs.ErrModelNotFound},
		{"conversation", "missing", msgs[0].ID, "model-a", errs.ErrConversationNotFound},
		{"message", conv.ID, "missing", "model-a", errs.ErrMessageNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.GenerateResponse(ctx, tt.convID, tt.msgID, tt.model, provider.Params{})
			assert.ErrorIs(t, err, tt.kind)
			assert.True(t, errs.IsNotFound(err))
		})
	}
}

func TestGenerate_TranscriptAndMetadata(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{}
	m := setupManager(t, p, nil)
	conv, msgs := startConversation(t, m, "first")

	_, err := m.GenerateResponse(ctx, conv.ID, msgs[0].ID, "model-a", provider.Params{})
	require.NoError(t, err)
	second, err := m.AddMessage(ctx, conv.ID, "", "user-1", "second", nil)
	require.NoError(t, err)

	resp, err := m.GenerateResponse(ctx, conv.ID, second.ID, "model-b", provider.Params{Temperature: 0.5})
	require.NoError(t, err)

	req := p.lastRequest()
	require.Len(t, req.Messages, 3)
	assert.Equal(t, provider.RoleUser, req.Messages[0].Role)
	assert.Equal(t, provider.RoleAssistant, req.Messages[1].Role)
	assert.Equal(t, "reply from model-a", req.Messages[1].Content)
	assert.Equal(t, "second", req.Messages[2].Content)
	assert.Equal(t, 0.5, req.Params.Temperature)
	assert.Empty(t, req.Tools)

	assert.Equal(t, second.ID, resp.MessageID)
	assert.True(t, resp.Metadata.Success)
	assert.Equal(t, 10, resp.Metadata.InputTokens)
	assert.Equal(t, 4, resp.Metadata.OutputTokens)
	assert.Equal(t, 1, resp.Metadata.Iterations)
	assert.InDelta(t, 10.0/1e6+8.0/1e6, resp.Metadata.CostEstimate, 1e-12)
}

func TestGenerate_UsesToolChainWhenSupported(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{replies: []reply{
		callReply(provider.ToolCall{ID: "c1", Name: "calculate", Input: map[string]interface{}{"expression": "2 + 2"}}),
		textReply("It is 4."),
	}}
	m := setupManager(t, p, func(cfg *Config) {
		te := toolexecutor.New()
		require.NoError(t, toolexecutor.RegisterBuiltins(te))
		cfg.Tools = te
	})
	conv, msgs := startConversation(t, m, "What is 2+2?")

	resp, err := m.GenerateResponse(ctx, conv.ID, msgs[0].ID, "model-b", provider.Params{})
	require.NoError(t, err)
	assert.Equal(t, "It is 4.", resp.Text)
	require.Len(t, resp.ToolUses, 1)
	assert.Equal(t, "calculate", resp.ToolUses[0].Name)
	require.Len(t, resp.ToolResults, 1)
	assert.Equal(t, "c1", resp.ToolResults[0].ToolUseID)
	assert.Empty(t, resp.ToolResults[0].Error)
	assert.Equal(t, 2, resp.Metadata.Iterations)
	assert.Equal(t, 15, resp.Metadata.InputTokens)
	assert.NotEmpty(t, p.lastRequest().Tools)

	// model-a lacks function calling and is called directly.
	_, _, err = m.RegenerateResponse(ctx, conv.ID, "", msgs[0].ID, "model-a", false, provider.Params{})
	require.NoError(t, err)
	assert.Empty(t, p.lastRequest().Tools)
}

func gatedManager(t *testing.T, p *fakeProvider) (*Manager, *int) {
	t.Helper()
	deleted := new(int)
	return setupManager(t, p, func(cfg *Config) {
		te := toolexecutor.New()
		require.NoError(t, te.Register(toolexecutor.ToolDefinition{
			Name:        "delete_note",
			Description: "Delete a note",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "id", Type: "string", Description: "Note id", Required: true},
			},
			RequiresApproval: true,
			Category:         toolexecutor.CategoryWrite,
			Handler: func(_ context.Context, params map[string]interface{}) (interface{}, error) {
				*deleted++
				return "deleted " + params["id"].(string), nil
			},
		}, false))
		cfg.Tools = te
		cfg.Chain = toolchain.Config{ApprovalMode: toolchain.ApprovalAsync}
	}), deleted
}

func TestResume_AsyncApproval(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{replies: []reply{
		callReply(provider.ToolCall{ID: "c1", Name: "delete_note", Input: map[string]interface{}{"id": "n1"}}),
		textReply("Deleted."),
	}}
	m, deleted := gatedManager(t, p)
	conv, msgs := startConversation(t, m, "Delete note n1")

	_, err := m.GenerateResponse(ctx, conv.ID, msgs[0].ID, "model-b", provider.Params{})
	var pending *errs.PendingApprovalError
	require.ErrorAs(t, err, &pending)
	assert.ErrorIs(t, err, errs.ErrApprovalPending)
	assert.Equal(t, []string{"delete_note"}, pending.Tools)
	assert.Equal(t, 0, *deleted)

	stored, err := m.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Branches[conversation.MainBranchID].Messages[0].Responses)

	resp, err := m.ResumeResponse(ctx, pending.Token, map[string]bool{"c1": true})
	require.NoError(t, err)
	assert.Equal(t, "Deleted.", resp.Text)
	assert.Equal(t, 1, *deleted)
	require.Len(t, resp.ToolResults, 1)
	assert.Equal(t, "deleted n1", resp.ToolResults[0].Output)

	stored, err = m.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, stored.Branches[conversation.MainBranchID].Messages[0].Responses, 1)

	_, err = m.ResumeResponse(ctx, pending.Token, nil)
	assert.ErrorIs(t, err, errs.ErrCheckpointNotFound)
}

func TestResume_NewBranchIsCreatedOnCompletion(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{replies: []reply{
		callReply(provider.ToolCall{ID: "c1", Name: "delete_note", Input: map[string]interface{}{"id": "n1"}}),
		textReply("Not deleted."),
	}}
	m, deleted := gatedManager(t, p)
	conv, msgs := startConversation(t, m, "Delete note n1")

	_, _, err := m.RegenerateResponse(ctx, conv.ID, "", msgs[0].ID, "model-b", true, provider.Params{})
	var pending *errs.PendingApprovalError
	require.ErrorAs(t, err, &pending)

	stored, err := m.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Branches, 1)

	resp, err := m.ResumeResponse(ctx, pending.Token, map[string]bool{"c1": false})
	require.NoError(t, err)
	assert.Equal(t, 0, *deleted)
	require.Len(t, resp.ToolResults, 1)
	assert.True(t, resp.ToolResults[0].Denied)

	stored, err = m.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, stored.Branches, 2)
	branch := stored.Branches[stored.BranchOrder[1]]
	assert.Equal(t, resp.Label, branch.ID)
	require.Len(t, branch.Messages, 1)
	assert.Equal(t, msgs[0].ID, branch.Messages[0].SourceMessageID)
	assert.Equal(t, resp.ID, branch.Messages[0].Responses[0].ID)
}

func TestAddMessage_Errors(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t, &fakeProvider{}, nil)
	conv, _ := startConversation(t, m)

	_, err := m.AddMessage(ctx, conv.ID, "nope", "u", "hi", nil)
	assert.ErrorIs(t, err, errs.ErrBranchNotFound)

	_, err = m.AddMessage(ctx, "missing", "", "u", "hi", nil)
	assert.ErrorIs(t, err, errs.ErrConversationNotFound)
}

func TestAddSystemMessage(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t, &fakeProvider{}, nil)
	conv, _ := startConversation(t, m)

	sys, err := m.AddSystemMessage(ctx, conv.ID, "You are terse.")
	require.NoError(t, err)
	assert.Equal(t, conversation.RoleSystem, sys.Role)

	_, err = m.AddSystemMessage(ctx, conv.ID, "again")
	assert.True(t, errs.IsValidation(err))
}

func TestConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t, &fakeProvider{}, nil)
	conv, _ := startConversation(t, m, "hi")

	renamed, err := m.RenameConversation(ctx, conv.ID, "Renamed")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", renamed.Title)

	list, err := m.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].MessageCount)

	require.NoError(t, m.DeleteConversation(ctx, conv.ID))
	_, err = m.GetConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, errs.ErrConversationNotFound)
	assert.ErrorIs(t, m.DeleteConversation(ctx, conv.ID), errs.ErrConversationNotFound)
}

func TestConversationStats(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t, &fakeProvider{}, nil)
	conv, msgs := startConversation(t, m, "a", "b")
	startConversation(t, m)

	_, err := m.GenerateResponse(ctx, conv.ID, msgs[0].ID, "model-a", provider.Params{})
	require.NoError(t, err)
	_, _, err = m.RegenerateResponse(ctx, conv.ID, "", msgs[1].ID, "model-b", true, provider.Params{})
	require.NoError(t, err)

	stats, err := m.ConversationStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalConversations)
	assert.Equal(t, 3, stats.TotalMessages)
	assert.Equal(t, 2, stats.TotalResponses)
	assert.Equal(t, 3, stats.TotalBranches)
	assert.Equal(t, []string{"model-a", "model-b"}, stats.ModelsUsed)
	require.Len(t, stats.LabelsUsed, 1)
	assert.Contains(t, stats.LabelsUsed[0], BranchIDPrefix)
	assert.InDelta(t, 1.5, stats.AverageMessages, 1e-9)
}

func TestAnalyzeCompatibility(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t, &fakeProvider{}, nil)
	conv, _ := startConversation(t, m)
	_, err := m.AddMessage(ctx, conv.ID, "", "u", "look", []conversation.Attachment{
		{ContentType: "image/png", Payload: "iVBORw0KGgo="},
	})
	require.NoError(t, err)

	report, err := m.AnalyzeCompatibility(ctx, conv.ID, "", "model-a")
	require.NoError(t, err)
	assert.False(t, report.Compatible)

	adapted, err := m.AdaptForModel(ctx, conv.ID, "", "model-a")
	require.NoError(t, err)
	assert.Equal(t, 1, adapted.ImagesReplaced)

	_, err = m.AnalyzeCompatibility(ctx, conv.ID, "", "ghost")
	assert.ErrorIs(t, err, errs.ErrModelNotFound)
}

func TestNew(t *testing.T) {
	memStore := store.New(store.NewMemoryBackend())
	fake := map[string]provider.Provider{"fake": &fakeProvider{}}

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"no store", Config{Providers: fake}, true},
		{"no providers", Config{Store: memStore}, true},
		{"nil provider", Config{Store: memStore, Providers: map[string]provider.Provider{"x": nil}}, true},
		{"negative keep recent", Config{Store: memStore, Providers: fake, KeepRecent: -1}, true},
		{"bad approval mode", Config{Store: memStore, Providers: fake, Chain: toolchain.Config{ApprovalMode: "later"}}, true},
		{"unknown override provider", Config{Store: memStore, Providers: fake, Models: []capability.Model{{ID: "x", Provider: "ghost"}}}, true},
		{"unbound override", Config{Store: memStore, Providers: fake, Models: []capability.Model{{ID: "x"}}}, true},
		{"valid", Config{Store: memStore, Providers: fake}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNew_ModelOverrides(t *testing.T) {
	m := setupManager(t, &fakeProvider{}, func(cfg *Config) {
		cfg.Models = []capability.Model{
			{ID: "model-a", Capabilities: capability.Capabilities{SupportsImages: true, ContextLimit: 100}},
			{ID: "model-c", Provider: "fake", Capabilities: capability.Capabilities{ContextLimit: 50}},
		}
	})

	caps, err := m.Capabilities("model-a")
	require.NoError(t, err)
	assert.True(t, caps.SupportsImages)
	assert.Equal(t, 100, caps.ContextLimit)

	ids := []string{}
	for _, model := range m.Models() {
		ids = append(ids, model.ID)
	}
	assert.Equal(t, []string{"model-a", "model-b", "model-c"}, ids)

	ctx := context.Background()
	conv, msgs := startConversation(t, m, "hi")
	resp, err := m.GenerateResponse(ctx, conv.ID, msgs[0].ID, "model-c", provider.Params{})
	require.NoError(t, err)
	assert.Equal(t, "reply from model-c", resp.Text)
}

func TestConcurrentTurnsOnOneConversation(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t, &fakeProvider{}, nil)
	conv, _ := startConversation(t, m)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := m.SendMessage(ctx, conv.ID, "", "user-1", "hello", nil, "model-a", provider.Params{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := m.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	msgs := got.Branches[conversation.MainBranchID].Messages
	require.Len(t, msgs, 10, "no turn overwrote another")
	for _, msg := range msgs {
		assert.Len(t, msg.Responses, 1)
	}
}

func TestHooksReceiveEvents(t *testing.T) {
	ctx := context.Background()
	logPath := filepath.Join(t.TempDir(), "events.log")
	script := `echo "$PARLEY_HOOK_EVENT" >> ` + logPath
	var hookList []hooks.Hook
	for _, ev := range []string{hooks.EventConversationCreated, hooks.EventMessageAdded, hooks.EventResponseGenerated, hooks.EventBranchCreated} {
		hookList = append(hookList, hooks.Hook{Event: ev, Script: script})
	}
	dispatcher, err := hooks.NewDispatcher(hookList, zerolog.Nop())
	require.NoError(t, err)

	m := setupManager(t, &fakeProvider{}, func(cfg *Config) { cfg.Hooks = dispatcher })
	conv, msgs := startConversation(t, m, "Hello")
	_, err = m.GenerateResponse(ctx, conv.ID, msgs[0].ID, "model-a", provider.Params{})
	require.NoError(t, err)
	_, _, err = m.RegenerateResponse(ctx, conv.ID, "", msgs[0].ID, "", true, provider.Params{})
	require.NoError(t, err)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, []string{
		hooks.EventConversationCreated,
		hooks.EventMessageAdded,
		hooks.EventResponseGenerated,
		hooks.EventBranchCreated,
		hooks.EventResponseGenerated,
	}, strings.Fields(string(data)))
}

var errDiskFull = errors.New("disk full")

// failingBackend refuses writes while failing is set.
type failingBackend struct {
	*store.MemoryBackend
	failing atomic.Bool
}

func (b *failingBackend) Store(ctx context.Context, id string, record []byte) error {
	if b.failing.Load() {
		return errDiskFull
	}
	return b.MemoryBackend.Store(ctx, id, record)
}

func TestSaveFailureLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	backend := &failingBackend{MemoryBackend: store.NewMemoryBackend()}
	m := setupManager(t, &fakeProvider{}, func(cfg *Config) {
		cfg.Store = store.New(backend)
	})
	conv, msgs := startConversation(t, m, "Hello")
	_, err := m.GenerateResponse(ctx, conv.ID, msgs[0].ID, "model-a", provider.Params{})
	require.NoError(t, err)

	before, err := m.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	backend.failing.Store(true)

	tests := []struct {
		name string
		run  func() error
	}{
		{"add message", func() error {
			_, err := m.AddMessage(ctx, conv.ID, "", "user-1", "lost", nil)
			return err
		}},
		{"generate", func() error {
			_, err := m.GenerateResponse(ctx, conv.ID, msgs[0].ID, "model-b", provider.Params{})
			return err
		}},
		{"regenerate alternative", func() error {
			_, _, err := m.RegenerateResponse(ctx, conv.ID, "", msgs[0].ID, "model-b", false, provider.Params{})
			return err
		}},
		{"regenerate on new branch", func() error {
			_, _, err := m.RegenerateResponse(ctx, conv.ID, "", msgs[0].ID, "model-b", true, provider.Params{})
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.run(), errDiskFull)

			after, err := m.GetConversation(ctx, conv.ID)
			require.NoError(t, err)
			assert.Equal(t, before, after)
			assert.Len(t, after.Branches, 1)
			assert.Equal(t, 1, after.MessageCount())
			assert.Len(t, after.Branches[conversation.MainBranchID].Messages[0].Responses, 1)
		})
	}
}

func TestGenerate_TurnBudgetFromParams(t *testing.T) {
	ctx := context.Background()
	var n atomic.Int32
	p := &fakeProvider{replies: []reply{func(provider.Request) (*provider.Result, error) {
		i := n.Add(1)
		return &provider.Result{ToolCalls: []provider.ToolCall{{
			ID: fmt.Sprintf("c%d", i), Name: "calculate",
			Input: map[string]interface{}{"expression": fmt.Sprintf("%d + 1", i)},
		}}}, nil
	}}}
	m := setupManager(t, p, func(cfg *Config) {
		te := toolexecutor.New()
		require.NoError(t, toolexecutor.RegisterBuiltins(te))
		cfg.Tools = te
		cfg.Chain = toolchain.Config{MaxIterations: 5}
	})
	conv, msgs := startConversation(t, m, "count")

	resp, err := m.GenerateResponse(ctx, conv.ID, msgs[0].ID, "model-b", provider.Params{MaxIterations: 2})
	require.NoError(t, err)
	assert.True(t, resp.Metadata.Truncated)
	assert.Equal(t, 2, resp.Metadata.Iterations)
	assert.EqualValues(t, 2, n.Load())
}
