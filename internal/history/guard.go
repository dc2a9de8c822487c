package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrBusy is returned by Guard.Do while another guarded job runs.
var ErrBusy = errors.New("history maintenance already running")

// Guard lets at most one of the jobs that rewrite the visit collection in
// bulk (import, retention) run at a time. A second job is rejected rather
// than queued.
type Guard struct {
	mu      sync.Mutex
	running string
}

// Do runs fn under the guard, or returns ErrBusy.
func (g *Guard) Do(ctx context.Context, name string, fn func(context.Context) error) error {
	g.mu.Lock()
	if g.running != "" {
		current := g.running
		g.mu.Unlock()
		return fmt.Errorf("%s: %w (%s)", name, ErrBusy, current)
	}
	g.running = name
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.running = ""
		g.mu.Unlock()
	}()

	return fn(ctx)
}

// Running names the job holding the guard, or "".
func (g *Guard) Running() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}
