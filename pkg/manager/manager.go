// Package manager is the conversation facade: it ties the store, the model
// providers, the adapter and the tool chain into user-level operations.
//
// Every mutation works on a private copy of the conversation and publishes it
// only after the store accepted it, so a failed generation leaves nothing
// behind. Mutations of one conversation run one at a time within a Manager.
// Two processes sharing a store are not coordinated.
package manager

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/adapter"
	"github.com/harun/parley/pkg/capability"
	"github.com/harun/parley/pkg/conversation"
	"github.com/harun/parley/pkg/errs"
	"github.com/harun/parley/pkg/hooks"
	"github.com/harun/parley/pkg/provider"
	"github.com/harun/parley/pkg/store"
	"github.com/harun/parley/pkg/toolchain"
	"github.com/harun/parley/pkg/toolexecutor"
)

// Config holds manager collaborators.
type Config struct {
	Store *store.ConversationStore
	// Providers maps a provider id to its backend. Every model a provider
	// lists is bound to it.
	Providers map[string]provider.Provider
	// Models overrides or extends the capability tables of the providers.
	// Model.Provider names a key of Providers or a provider Name.
	Models []capability.Model
	// Tools is optional. Nil means an empty executor owned by the manager.
	Tools *toolexecutor.ToolExecutor
	// Engine is optional. Nil means an engine over Tools built from Chain.
	Engine *toolchain.Engine
	Chain  toolchain.Config
	// KeepRecent and Estimator tune history adaptation.
	KeepRecent int
	Estimator  adapter.Estimator
	// Hooks is optional and receives conversation events.
	Hooks  *hooks.Dispatcher
	Logger *zerolog.Logger
}

// Manager implements the conversation operations.
type Manager struct {
	store     *store.ConversationStore
	registry  *capability.Registry
	mu        sync.RWMutex
	providers map[string]provider.Provider
	backends  map[string]provider.Provider
	tools     *toolexecutor.ToolExecutor
	engine    *toolchain.Engine
	invoker   toolchain.Invoker
	adapt     adapter.Options
	lanes     *lanes
	hooks     *hooks.Dispatcher
	logger    zerolog.Logger
}

// New validates cfg and builds a manager.
func New(cfg Config) (*Manager, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, errs.InvalidArgument("manager", "store is required")
	}
	if len(cfg.Providers) == 0 {
		return nil, errs.InvalidArgument("manager", "at least one provider is required")
	}
	if cfg.KeepRecent < 0 {
		return nil, errs.InvalidArgument("keep_recent", "must not be negative")
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	m := &Manager{
		store:     cfg.Store,
		registry:  capability.NewRegistry(),
		providers: make(map[string]provider.Provider),
		backends:  make(map[string]provider.Provider, len(cfg.Providers)),
		tools:     cfg.Tools,
		engine:    cfg.Engine,
		adapt:     adapter.Options{KeepRecent: cfg.KeepRecent, Estimator: cfg.Estimator},
		lanes:     newLanes(),
		hooks:     cfg.Hooks,
		logger:    logger,
	}
	for key, p := range cfg.Providers {
		m.backends[key] = p
	}
	if err := m.bindModels(cfg.Models); err != nil {
		return nil, err
	}

	if m.tools == nil {
		m.tools = toolexecutor.New()
	}
	if m.engine == nil {
		engine, err := toolchain.New(m.tools, cfg.Chain)
		if err != nil {
			return nil, err
		}
		m.engine = engine
	}
	m.invoker = &routingInvoker{m: m}

	m.logger.Info().
		Int("providers", len(cfg.Providers)).
		Int("models", len(m.registry.List())).
		Int("tools", m.tools.Count()).
		Str("approval_mode", string(m.engine.Config().ApprovalMode)).
		Msg("Conversation manager initialized")
	return m, nil
}

// bindModels registers every provider model, then applies the overrides.
func (m *Manager) bindModels(overrides []capability.Model) error {
	keys := m.backendKeys()
	for _, key := range keys {
		if m.backends[key] == nil {
			return errs.InvalidArgument("provider "+key, "must not be nil")
		}
	}

	for _, key := range keys {
		p := m.backends[key]
		for _, model := range p.Models() {
			if _, taken := m.providerFor(model.ID); taken {
				m.logger.Warn().Str("model", model.ID).Str("provider", key).Msg("Model already served by another provider, skipping")
				continue
			}
			m.registry.Register(model)
			m.bind(model.ID, p)
		}
	}

	return m.applyOverrides(overrides)
}

// UpdateModels applies capability overrides at runtime, e.g. after a config
// reload. Usage counters of known models are kept.
func (m *Manager) UpdateModels(overrides []capability.Model) error {
	if err := m.applyOverrides(overrides); err != nil {
		return err
	}
	m.logger.Info().Int("overrides", len(overrides)).Msg("Model capabilities updated")
	return nil
}

func (m *Manager) applyOverrides(overrides []capability.Model) error {
	keys := m.backendKeys()
	for _, model := range overrides {
		if strings.TrimSpace(model.ID) == "" {
			return errs.InvalidArgument("model", "id must not be empty")
		}
		p, ok := m.providerFor(model.ID)
		if model.Provider != "" {
			p, ok = lookupProvider(m.backends, keys, model.Provider)
			if !ok {
				return errs.InvalidArgument("model "+model.ID, fmt.Sprintf("unknown provider %q", model.Provider))
			}
			model.Provider = p.Name()
		} else if ok {
			model.Provider = p.Name()
		}
		if !ok {
			return errs.InvalidArgument("model "+model.ID, "provider is required for a model no provider lists")
		}
		m.registry.Register(model)
		m.bind(model.ID, p)
	}
	return nil
}

func (m *Manager) bind(modelID string, p provider.Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[modelID] = p
}

func (m *Manager) providerFor(modelID string) (provider.Provider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[modelID]
	return p, ok
}

func (m *Manager) backendKeys() []string {
	keys := make([]string, 0, len(m.backends))
	for key := range m.backends {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func lookupProvider(providers map[string]provider.Provider, keys []string, name string) (provider.Provider, bool) {
	if p, ok := providers[name]; ok {
		return p, true
	}
	for _, key := range keys {
		if providers[key].Name() == name {
			return providers[key], true
		}
	}
	return nil, false
}

// Tools returns the tool executor the manager owns.
func (m *Manager) Tools() *toolexecutor.ToolExecutor {
	return m.tools
}

// Engine returns the tool-chain engine.
func (m *Manager) Engine() *toolchain.Engine {
	return m.engine
}

// CreateConversation creates an empty conversation.
func (m *Manager) CreateConversation(ctx context.Context, title string) (*conversation.Conversation, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerManager, "manager.create_conversation")
	defer span.End()
	conv, err := m.store.Create(ctx, title)
	if err != nil {
		return nil, err
	}
	m.notify(ctx, hooks.EventConversationCreated, map[string]string{"conversation_id": conv.ID, "title": conv.Title})
	return conv, nil
}

// GetConversation loads a conversation.
func (m *Manager) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	return m.store.Get(ctx, id)
}

// ListConversations returns conversation summaries, most recently updated first.
func (m *Manager) ListConversations(ctx context.Context) ([]conversation.Summary, error) {
	return m.store.List(ctx)
}

// RenameConversation changes a conversation title.
func (m *Manager) RenameConversation(ctx context.Context, id, title string) (*conversation.Conversation, error) {
	release, err := m.lanes.acquire(ctx, id, m.logger)
	if err != nil {
		return nil, err
	}
	defer release()
	return m.store.Rename(ctx, id, title)
}

// DeleteConversation removes a conversation.
func (m *Manager) DeleteConversation(ctx context.Context, id string) error {
	release, err := m.lanes.acquire(ctx, id, m.logger)
	if err != nil {
		return err
	}
	defer release()
	return m.store.Delete(ctx, id)
}

// AddMessage appends a user message at the tail of a branch. An empty
// branchID means main.
func (m *Manager) AddMessage(ctx context.Context, convID, branchID, userID, text string, attachments []conversation.Attachment) (*conversation.Message, error) {
	if branchID == "" {
		branchID = conversation.MainBranchID
	}
	ctx = tracing.WithBranchID(tracing.WithConversationID(ctx, convID), branchID)
	ctx, span := tracing.StartSpan(ctx, tracing.TracerManager, "manager.add_message",
		attribute.String("conversation_id", convID),
		attribute.String("branch_id", branchID),
	)
	defer span.End()

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
	msg, err := work.AppendMessage(branchID, conversation.NewMessage(userID, text, attachments))
	if err != nil {
		return nil, err
	}
	if err := m.store.Save(ctx, work); err != nil {
		return nil, err
	}

	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Debug().
		Str("message_id", msg.ID).
		Int("attachments", len(msg.Attachments)).
		Msg("Message added")
	m.notify(ctx, hooks.EventMessageAdded, map[string]string{
		"conversation_id": convID,
		"branch_id":       branchID,
		"message_id":      msg.ID,
		"user_id":         userID,
	})
	return msg, nil
}

// AddSystemMessage primes a conversation whose main branch is still empty.
func (m *Manager) AddSystemMessage(ctx context.Context, convID, text string) (*conversation.Message, error) {
	release, err := m.lanes.acquire(ctx, convID, m.logger)
	if err != nil {
		return nil, err
	}
	defer release()

	conv, err := m.store.Get(ctx, convID)
	if err != nil {
		return nil, err
	}
	if len(conv.Branches[conversation.MainBranchID].Messages) > 0 {
		return nil, errs.InvalidArgument("system message", "only allowed as the first message")
	}
	work := conv.Clone()
	msg := conversation.NewMessage("", text, nil)
	msg.Role = conversation.RoleSystem
	if _, err := work.AppendMessage(conversation.MainBranchID, msg); err != nil {
		return nil, err
	}
	if err := m.store.Save(ctx, work); err != nil {
		return nil, err
	}
	return msg, nil
}

// Capabilities returns the capabilities of a model.
func (m *Manager) Capabilities(modelID string) (capability.Capabilities, error) {
	return m.registry.Capabilities(modelID)
}

// Models lists the registered models.
func (m *Manager) Models() []capability.Model {
	return m.registry.List()
}

// UsageStats returns the call counters of a model.
func (m *Manager) UsageStats(modelID string) (capability.Stats, error) {
	return m.registry.Stats(modelID)
}

// AnalyzeCompatibility reports how well the history of a branch suits a model.
func (m *Manager) AnalyzeCompatibility(ctx context.Context, convID, branchID, modelID string) (adapter.Report, error) {
	history, target, err := m.branchHistory(ctx, convID, branchID, modelID)
	if err != nil {
		return adapter.Report{}, err
	}
	return adapter.AnalyzeCompatibility(history, target, m.registry.List(), m.adapt), nil
}

// AdaptForModel returns the history of a branch as it would be sent to a model.
func (m *Manager) AdaptForModel(ctx context.Context, convID, branchID, modelID string) (adapter.Result, error) {
	history, target, err := m.branchHistory(ctx, convID, branchID, modelID)
	if err != nil {
		return adapter.Result{}, err
	}
	return adapter.Adapt(history, target.Capabilities, m.adapt), nil
}

func (m *Manager) branchHistory(ctx context.Context, convID, branchID, modelID string) ([]*conversation.Message, capability.Model, error) {
	if branchID == "" {
		branchID = conversation.MainBranchID
	}
	target, err := m.registry.Get(modelID)
	if err != nil {
		return nil, capability.Model{}, err
	}
	conv, err := m.store.Get(ctx, convID)
	if err != nil {
		return nil, capability.Model{}, err
	}
	history, err := conversation.ResolveHistory(conv, branchID, -1)
	if err != nil {
		return nil, capability.Model{}, err
	}
	return history, target, nil
}
