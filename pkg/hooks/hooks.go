// Package hooks runs user shell scripts on conversation events.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Events fired by the conversation manager.
const (
	EventConversationCreated = "conversation.created"
	EventMessageAdded        = "message.added"
	EventResponseGenerated   = "response.generated"
	EventBranchCreated       = "branch.created"
	EventApprovalPending     = "approval.pending"
)

// DefaultTimeout bounds a hook that sets no timeout of its own.
const DefaultTimeout = 10 * time.Second

// EnvPrefix starts every variable a hook receives.
const EnvPrefix = "PARLEY_HOOK_"

// Hook binds a script to an event.
type Hook struct {
	ID      string
	Event   string
	Script  string
	Timeout time.Duration
}

// Event is one occurrence delivered to hooks. Data is exposed as
// PARLEY_HOOK_<KEY> variables and the whole event as JSON on stdin.
type Event struct {
	Name string            `json:"event"`
	Data map[string]string `json:"data,omitempty"`
}

// Dispatcher runs the hooks registered for each event, in registration order.
type Dispatcher struct {
	logger zerolog.Logger
	shell  string

	mu      sync.RWMutex
	byEvent map[string][]Hook
}

// NewDispatcher validates hooks and indexes them by event. A nil or empty
// list yields a dispatcher that does nothing.
func NewDispatcher(hooks []Hook, logger zerolog.Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		logger:  logger.With().Str("component", "hooks").Logger(),
		shell:   "/bin/sh",
		byEvent: make(map[string][]Hook),
	}
	for i, h := range hooks {
		h.Event = strings.TrimSpace(h.Event)
		if h.Event == "" {
			return nil, fmt.Errorf("hook %d: event is required", i)
		}
		if strings.TrimSpace(h.Script) == "" {
			return nil, fmt.Errorf("hook %d: script is required for event %q", i, h.Event)
		}
		if h.ID == "" {
			h.ID = fmt.Sprintf("%s#%d", h.Event, len(d.byEvent[h.Event]))
		}
		if h.Timeout <= 0 {
			h.Timeout = DefaultTimeout
		}
		d.byEvent[h.Event] = append(d.byEvent[h.Event], h)
	}
	return d, nil
}

// Has reports whether any hook listens for event.
func (d *Dispatcher) Has(event string) bool {
	if d == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byEvent[event]) > 0
}

// Fire runs every hook of ev.Name and joins their errors. A nil dispatcher
// does nothing.
func (d *Dispatcher) Fire(ctx context.Context, ev Event) error {
	if !d.Has(ev.Name) {
		return nil
	}
	d.mu.RLock()
	hooks := append([]Hook(nil), d.byEvent[ev.Name]...)
	d.mu.RUnlock()

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode hook event: %w", err)
	}
	env := environment(ev)

	var errList []error
	for _, h := range hooks {
		if err := d.run(ctx, h, env, payload); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

func (d *Dispatcher) run(ctx context.Context, h Hook, env []string, payload []byte) error {
	runCtx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, d.shell, "-c", h.Script)
	cmd.Env = env
	cmd.Stdin = bytes.NewReader(payload)
	// Children of the shell may keep the output pipe open past a kill.
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		if text != "" {
			return fmt.Errorf("hook %s failed: %w: %s", h.ID, err, text)
		}
		return fmt.Errorf("hook %s failed: %w", h.ID, err)
	}

	d.logger.Debug().
		Str("hook_id", h.ID).
		Str("event", h.Event).
		Dur("duration", time.Since(start)).
		Str("output", text).
		Msg("Hook executed")
	return nil
}

func environment(ev Event) []string {
	env := append(os.Environ(), EnvPrefix+"EVENT="+ev.Name)
	keys := make([]string, 0, len(ev.Data))
	for k := range ev.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, EnvPrefix+envKey(k)+"="+ev.Data[k])
	}
	return env
}

// envKey upper-cases key and replaces anything outside [A-Z0-9] with '_'.
func envKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		}
		return '_'
	}, key)
}
