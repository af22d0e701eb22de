package manager

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// laneWarnAfter is how long a caller may wait for a conversation lane before
// the wait is logged.
const laneWarnAfter = 2 * time.Second

// lanes serializes work per conversation. A lane admits one holder at a time
// and is dropped once nobody holds or waits for it.
type lanes struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	slot chan struct{}
	refs int
}

func newLanes() *lanes {
	return &lanes{lanes: make(map[string]*lane)}
}

// acquire blocks until the lane of id is free or ctx is done. The returned
// release must be called exactly once.
func (l *lanes) acquire(ctx context.Context, id string, logger zerolog.Logger) (func(), error) {
	l.mu.Lock()
	ln, ok := l.lanes[id]
	if !ok {
		ln = &lane{slot: make(chan struct{}, 1)}
		l.lanes[id] = ln
	}
	ln.refs++
	l.mu.Unlock()

	start := time.Now()
	warn := time.NewTimer(laneWarnAfter)
	defer warn.Stop()
	for {
		select {
		case ln.slot <- struct{}{}:
			if waited := time.Since(start); waited >= laneWarnAfter {
				logger.Debug().Str("conversation_id", id).Dur("waited", waited).Msg("Conversation lane acquired")
			}
			return func() { l.release(id, ln) }, nil
		case <-warn.C:
			logger.Warn().Str("conversation_id", id).Dur("waited", time.Since(start)).Msg("Waiting for conversation lane")
		case <-ctx.Done():
			l.drop(id, ln)
			return nil, ctx.Err()
		}
	}
}

func (l *lanes) release(id string, ln *lane) {
	<-ln.slot
	l.drop(id, ln)
}

func (l *lanes) drop(id string, ln *lane) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln.refs--
	if ln.refs == 0 {
		delete(l.lanes, id)
	}
}

// size reports the number of live lanes.
func (l *lanes) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}
