package toolchain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/pkg/conversation"
	"github.com/harun/parley/pkg/errs"
	"github.com/harun/parley/pkg/provider"
)

// DefaultCheckpointTTL is how long a suspended turn can wait for decisions.
const DefaultCheckpointTTL = time.Hour

// DefaultSweepSchedule is the cron spec of the expired-checkpoint sweep.
const DefaultSweepSchedule = "@every 1m"

// Checkpoint is the serialisable state of a turn suspended for approval.
type Checkpoint struct {
	Token       string                    `json:"token"`
	Turn        Turn                      `json:"turn"`
	Messages    []provider.Message        `json:"messages"`
	Seen        []string                  `json:"seen"`
	ToolUses    []conversation.ToolUse    `json:"tool_uses"`
	ToolResults []conversation.ToolResult `json:"tool_results"`
	Iterations  int                       `json:"iterations"`
	Usage       provider.Usage            `json:"usage"`
	LatencyMs   int64                     `json:"latency_ms"`
	LastText    string                    `json:"last_text"`
	Round       []provider.ToolCall       `json:"round"`
	Gated       []string                  `json:"gated"`
	CreatedAt   time.Time                 `json:"created_at"`
	ExpiresAt   time.Time                 `json:"expires_at"`
}

// CheckpointStore holds suspended turns by token.
type CheckpointStore interface {
	Save(ctx context.Context, cp *Checkpoint) error
	// Take returns and removes a checkpoint. Unknown and expired tokens fail
	// with a CheckpointNotFound error.
	Take(ctx context.Context, token string) (*Checkpoint, error)
	Sweep(now time.Time) int
	Len() int
}

// NewToken returns a fresh resumable token.
func NewToken() string {
	return gonanoid.Must(21)
}

// MemoryCheckpointStore keeps checkpoints JSON-encoded in memory.
type MemoryCheckpointStore struct {
	mu    sync.Mutex
	items map[string]storedCheckpoint
}

type storedCheckpoint struct {
	data      []byte
	expiresAt time.Time
}

// NewMemoryCheckpointStore creates an empty store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{items: make(map[string]storedCheckpoint)}
}

// Save implements CheckpointStore.
func (s *MemoryCheckpointStore) Save(_ context.Context, cp *Checkpoint) error {
	if cp.Token == "" {
		return errs.InvalidArgument("checkpoint", "token is required")
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	s.mu.Lock()
	s.items[cp.Token] = storedCheckpoint{data: data, expiresAt: cp.ExpiresAt}
	n := len(s.items)
	s.mu.Unlock()

	observability.SetPendingCheckpoints(n)
	return nil
}

// Take implements CheckpointStore.
func (s *MemoryCheckpointStore) Take(_ context.Context, token string) (*Checkpoint, error) {
	s.mu.Lock()
	item, ok := s.items[token]
	delete(s.items, token)
	n := len(s.items)
	s.mu.Unlock()
	observability.SetPendingCheckpoints(n)

	if !ok || (!item.expiresAt.IsZero() && time.Now().After(item.expiresAt)) {
		return nil, errs.CheckpointNotFound(token)
	}

	var cp Checkpoint
	if err := json.Unmarshal(item.data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", token, err)
	}
	return &cp, nil
}

// Sweep removes checkpoints that expired before now and returns how many.
func (s *MemoryCheckpointStore) Sweep(now time.Time) int {
	s.mu.Lock()
	removed := 0
	for token, item := range s.items {
		if !item.expiresAt.IsZero() && now.After(item.expiresAt) {
			delete(s.items, token)
			removed++
		}
	}
	n := len(s.items)
	s.mu.Unlock()

	observability.SetPendingCheckpoints(n)
	if removed > 0 {
		log.Info().Int("removed", removed).Int("remaining", n).Msg("Expired checkpoints swept")
	}
	return removed
}

// Len returns the number of stored checkpoints.
func (s *MemoryCheckpointStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Sweeper periodically removes expired checkpoints.
type Sweeper struct {
	cron *cron.Cron
}

// StartSweeper schedules store.Sweep on spec. An empty spec means
// DefaultSweepSchedule.
func StartSweeper(store CheckpointStore, spec string) (*Sweeper, error) {
	if spec == "" {
		spec = DefaultSweepSchedule
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { store.Sweep(time.Now()) }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	c.Start()
	log.Debug().Str("schedule", spec).Msg("Checkpoint sweeper started")
	return &Sweeper{cron: c}, nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
