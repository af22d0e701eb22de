package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/conversation"
	"github.com/harun/parley/pkg/errs"
)

// ConversationStore maps conversation ids to persisted conversations.
type ConversationStore struct {
	backend Backend
}

// New wraps a backend.
func New(backend Backend) *ConversationStore {
	observability.EnsureRegistered()
	return &ConversationStore{backend: backend}
}

// Backend returns the underlying backend.
func (s *ConversationStore) Backend() Backend {
	return s.backend
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Create persists a new conversation with an empty main branch.
func (s *ConversationStore) Create(ctx context.Context, title string) (*conversation.Conversation, error) {
	conv := conversation.New(uuid.New().String(), strings.TrimSpace(title))
	if err := s.Save(ctx, conv); err != nil {
		return nil, err
	}
	s.updateCountMetric(ctx)

	log.Info().Str("conversation_id", conv.ID).Str("title", conv.Title).Msg("Conversation created")
	return conv, nil
}

// Get loads a conversation.
func (s *ConversationStore) Get(ctx context.Context, id string) (*conversation.Conversation, error) {
	ctx = tracing.WithConversationID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, tracing.TracerStore, "store.get",
		attribute.String("conversation_id", id),
		attribute.String("backend", s.backend.Name()),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordStoreLoad(s.backend.Name(), time.Since(start))
	}()

	data, err := s.backend.Load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, fail(span, errs.ConversationNotFound(id))
		}
		return nil, fail(span, fmt.Errorf("failed to load conversation %s: %w", id, err))
	}

	conv, err := conversation.Unmarshal(data)
	if err != nil {
		return nil, fail(span, err)
	}
	return conv, nil
}

// Save overwrites the stored record of conv.
func (s *ConversationStore) Save(ctx context.Context, conv *conversation.Conversation) error {
	ctx = tracing.WithConversationID(ctx, conv.ID)
	ctx, span := tracing.StartSpan(ctx, tracing.TracerStore, "store.save",
		attribute.String("conversation_id", conv.ID),
		attribute.String("backend", s.backend.Name()),
		attribute.Int("branches", len(conv.Branches)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() {
		observability.RecordStoreSave(s.backend.Name(), time.Since(start))
	}()

	data, err := conversation.Marshal(conv)
	if err != nil {
		return fail(span, err)
	}
	if err := s.backend.Store(ctx, conv.ID, data); err != nil {
		return fail(span, fmt.Errorf("failed to save conversation %s: %w", conv.ID, err))
	}

	logger.Debug().Int("bytes", len(data)).Msg("Conversation saved")
	return nil
}

// Delete removes a conversation.
func (s *ConversationStore) Delete(ctx context.Context, id string) error {
	ctx = tracing.WithConversationID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, tracing.TracerStore, "store.delete",
		attribute.String("conversation_id", id),
	)
	defer span.End()

	if err := s.backend.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return fail(span, errs.ConversationNotFound(id))
		}
		return fail(span, fmt.Errorf("failed to delete conversation %s: %w", id, err))
	}
	s.updateCountMetric(ctx)

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().Msg("Conversation deleted")
	return nil
}

// Rename updates the title of a conversation.
func (s *ConversationStore) Rename(ctx context.Context, id, title string) (*conversation.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errs.InvalidArgument("title", "must not be empty")
	}

	conv, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	conv.Title = title
	conv.Touch()
	if err := s.Save(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// List returns summaries of every stored conversation, most recently updated first.
func (s *ConversationStore) List(ctx context.Context) ([]conversation.Summary, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerStore, "store.list",
		attribute.String("backend", s.backend.Name()),
	)
	defer span.End()

	ids, err := s.backend.IDs(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to list conversations: %w", err))
	}

	summaries := make([]conversation.Summary, 0, len(ids))
	for _, id := range ids {
		conv, err := s.Get(ctx, id)
		if err != nil {
			if errs.IsNotFound(err) {
				continue
			}
			log.Warn().Err(err).Str("conversation_id", id).Msg("Skipping unreadable conversation")
			continue
		}
		summaries = append(summaries, conv.Summary())
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	observability.SetConversations(len(summaries))
	return summaries, nil
}

// Prune deletes conversations not updated within maxAge and returns their ids.
func (s *ConversationStore) Prune(ctx context.Context, maxAge time.Duration) ([]string, error) {
	if maxAge <= 0 {
		return nil, errs.InvalidArgument("max_age", "must be positive")
	}

	summaries, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	var pruned []string
	for _, sum := range summaries {
		if sum.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.Delete(ctx, sum.ID); err != nil && !errs.IsNotFound(err) {
			return pruned, err
		}
		pruned = append(pruned, sum.ID)
	}

	if len(pruned) > 0 {
		log.Info().Int("pruned", len(pruned)).Dur("max_age", maxAge).Msg("Pruned idle conversations")
	}
	return pruned, nil
}

// Close releases the backend.
func (s *ConversationStore) Close() error {
	return s.backend.Close()
}

func (s *ConversationStore) updateCountMetric(ctx context.Context) {
	ids, err := s.backend.IDs(ctx)
	if err != nil {
		return
	}
	observability.SetConversations(len(ids))
}

// Open builds a store for a configured backend kind.
func Open(kind, dir, dsn string) (*ConversationStore, error) {
	var (
		backend Backend
		err     error
	)
	switch kind {
	case "", "file":
		backend, err = NewFileBackend(dir)
	case "sqlite":
		backend, err = NewSQLiteBackend(dsn)
	case "memory":
		backend = NewMemoryBackend()
	default:
		return nil, errs.InvalidArgument("store.backend", fmt.Sprintf("unknown backend %q", kind))
	}
	if err != nil {
		return nil, err
	}
	return New(backend), nil
}
