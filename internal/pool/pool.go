// Package pool manages named slot pools that cap how many task instances
// may hold a slot at once. Slot usage is computed from task instance
// states on demand; nothing is cached.
package pool

import (
	"context"
	"fmt"

	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
)

// Usage is a pool with its current slot consumption.
type Usage struct {
	Name        string
	Description string
	Slots       int
	Running     int
	Queued      int
}

// OpenSlots may be negative when a pool shrank below its usage.
func (u Usage) OpenSlots() int { return u.Slots - u.Running - u.Queued }

// Admissible is how many more instances may be admitted given open
// slots; a negative balance admits nothing.
func Admissible(open int) int { return max(open, 0) }

// Get returns the usage of one pool.
func Get(ctx context.Context, q exec.Queries, name string) (Usage, error) {
	p, err := q.GetPool(ctx, name)
	if err != nil {
		return Usage{}, err
	}
	counts, err := q.CountTaskInstancesByState(ctx, exec.TaskInstanceFilter{
		Pools:  []string{name},
		States: []core.State{core.StateRunning, core.StateQueued},
	})
	if err != nil {
		return Usage{}, err
	}
	return Usage{
		Name:        p.Name,
		Description: p.Description,
		Slots:       p.Slots,
		Running:     counts[core.StateRunning],
		Queued:      counts[core.StateQueued],
	}, nil
}

// OpenSlots is slots minus running minus queued instances of pool name.
func OpenSlots(ctx context.Context, q exec.Queries, name string) (int, error) {
	u, err := Get(ctx, q, name)
	if err != nil {
		return 0, err
	}
	return u.OpenSlots(), nil
}

// List returns the usage of every pool ordered by name.
func List(ctx context.Context, q exec.Queries) ([]Usage, error) {
	pools, err := q.ListPools(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Usage, 0, len(pools))
	for _, p := range pools {
		u, err := Get(ctx, q, p.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// Set creates the pool or updates its slots and description.
func Set(ctx context.Context, q exec.Queries, name string, slots int, description string) (*exec.Pool, error) {
	if err := core.ValidateKey(name); err != nil {
		return nil, fmt.Errorf("pool name: %w", err)
	}
	p := exec.Pool{Name: name, Slots: slots, Description: description}
	if err := q.UpsertPool(ctx, p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Delete removes the pool. The default pool cannot be deleted.
func Delete(ctx context.Context, q exec.Queries, name string) error {
	return q.DeletePool(ctx, name)
}
