package provider

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/parley/pkg/capability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyProvider struct {
	calls    atomic.Int32
	failures int32
	err      error
}

func (f *flakyProvider) Name() string               { return "flaky" }
func (f *flakyProvider) Models() []capability.Model { return nil }
func (f *flakyProvider) Invoke(_ context.Context, _ Request) (*Result, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return nil, f.err
	}
	return &Result{Text: "ok"}, nil
}

func TestDemoProvider(t *testing.T) {
	p := NewDemoProvider()
	ctx := context.Background()

	res, err := p.Invoke(ctx, Request{Model: "demo-model", Messages: []Message{
		{Role: RoleSystem, Content: "be nice"},
		{Role: RoleUser, Content: "hello there"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "Demo response #1. You said: 'hello there'. This is a mock response for testing purposes.", res.Text)
	assert.Positive(t, res.Usage.OutputTokens)

	long := strings.Repeat("x", 60)
	res, err = p.Invoke(ctx, Request{Messages: []Message{{Role: RoleUser, Content: long}}})
	require.NoError(t, err)
	assert.Contains(t, res.Text, "Demo response #2.")
	assert.Contains(t, res.Text, strings.Repeat("x", 50)+"...'")

	res, err = p.Invoke(ctx, Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Tools:    []ToolSpec{{Name: "calculate"}, {Name: "text_length"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Demo response #3. I can see 1 message(s) and have access to 2 tool(s): calculate, text_length. This is a mock response for testing purposes.", res.Text)

	ids := []string{}
	for _, m := range p.Models() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"demo-model", "demo-advanced", "demo-simple"}, ids)
}

func TestDemoProvider_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewDemoProvider().Invoke(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("429 Too Many Requests"), true},
		{errors.New("503 service unavailable"), true},
		{errors.New("read: connection reset by peer"), true},
		{errors.New("401 unauthorized"), false},
		{context.Canceled, false},
		{context.DeadlineExceeded, true},
	}

	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestWithRetry(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		inner := &flakyProvider{failures: 2, err: errors.New("503")}
		p := WithRetry(inner, 3)
		p.baseDelay = time.Millisecond

		res, err := p.Invoke(context.Background(), Request{})
		require.NoError(t, err)
		assert.Equal(t, "ok", res.Text)
		assert.Equal(t, int32(3), inner.calls.Load())
	})

	t.Run("permanent error", func(t *testing.T) {
		inner := &flakyProvider{failures: 5, err: errors.New("400 bad request")}
		p := WithRetry(inner, 3)
		p.baseDelay = time.Millisecond

		_, err := p.Invoke(context.Background(), Request{})
		require.Error(t, err)
		assert.Equal(t, int32(1), inner.calls.Load())
	})

	t.Run("exhausted", func(t *testing.T) {
		cause := errors.New("502 bad gateway")
		inner := &flakyProvider{failures: 5, err: cause}
		p := WithRetry(inner, 2)
		p.baseDelay = time.Millisecond

		_, err := p.Invoke(context.Background(), Request{})
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, int32(2), inner.calls.Load())
	})
}

func TestWithRateLimit(t *testing.T) {
	inner := &flakyProvider{}
	assert.Same(t, Provider(inner), WithRateLimit(inner, 0))

	limited := WithRateLimit(inner, 60)
	_, err := limited.Invoke(context.Background(), Request{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = limited.Invoke(ctx, Request{})
	assert.Error(t, err, "second call must wait about a second")
}

func TestFactory(t *testing.T) {
	f := &Factory{}

	p, err := f.New(Profile{ID: "demo", Kind: KindDemo})
	require.NoError(t, err)
	assert.Equal(t, "demo", p.Name())

	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err = f.New(Profile{ID: "claude", Kind: KindAnthropic})
	assert.Error(t, err)

	p, err = f.New(Profile{ID: "gpt", Kind: KindOpenAI, APIKey: "sk-test", MaxRetries: 2})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
	assert.NotEmpty(t, p.Models())

	_, err = f.New(Profile{ID: "x", Kind: "gemini"})
	assert.Error(t, err)
}

func TestToOpenAIMessages(t *testing.T) {
	msgs, err := toOpenAIMessages(Request{
		Params: Params{SystemPrompt: "sys"},
		Messages: []Message{
			{Role: RoleUser, Content: "look", Images: []Image{{MediaType: "image/png", Data: "AAAA"}}},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "calculate", Input: map[string]interface{}{"expression": "1+1"}}}},
			{Role: RoleTool, ToolCallID: "c1", Content: "2"},
			{Role: RoleAssistant, Content: "It is 2."},
		},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	assert.NotNil(t, msgs[0].OfSystem)
	assert.NotNil(t, msgs[1].OfUser)
	require.NotNil(t, msgs[2].OfAssistant)
	assert.Len(t, msgs[2].OfAssistant.ToolCalls, 1)
	require.NotNil(t, msgs[3].OfTool)
	assert.Equal(t, "c1", msgs[3].OfTool.ToolCallID)
}

func TestKnownModelsIsCopied(t *testing.T) {
	a := KnownModels(KindOpenAI)
	a[0].Capabilities.SupportedImageTypes[0] = "mutated"
	b := KnownModels(KindOpenAI)
	assert.NotEqual(t, "mutated", b[0].Capabilities.SupportedImageTypes[0])
}
