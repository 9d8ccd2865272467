package registry

import (
	"errors"

	"github.com/HerbHall/switchyard/pkg/plugin"
	"go.uber.org/zap"
)

// ResolveDependencies returns the enabled plugins in an order where every
// plugin follows its hard dependencies. Plugins are visited in registration
// order and their dependencies in declared order, so the result is
// deterministic. Missing optional dependencies are logged and ignored.
//
// Errors: every missing or disabled hard dependency, joined, each matching
// plugin.ErrMissingDependency; or a *plugin.CycleError naming the cycle.
func (r *Registry) ResolveDependencies() ([]string, error) {
	r.mu.RLock()
	nodes := make([]*entry, 0, len(r.order))
	for _, id := range r.order {
		nodes = append(nodes, r.entries[id])
	}
	r.mu.RUnlock()

	order, err := r.resolve(nodes)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.resolved = order
	r.mu.Unlock()

	r.logger.Info("plugin dependency resolution complete",
		zap.Strings("start_order", order),
		zap.Int("active", len(order)),
		zap.Int("registered", len(nodes)),
	)
	return append([]string(nil), order...), nil
}

const (
	unvisited = iota
	onStack
	done
)

type frame struct {
	id   string
	next int // index of the next edge to explore
}

func (r *Registry) resolve(nodes []*entry) ([]string, error) {
	byID := make(map[string]*entry, len(nodes))
	for _, e := range nodes {
		byID[e.meta.ID] = e
	}

	// Edges between enabled plugins only.
	edges := make(map[string][]string)
	var active []string
	var missing []error
	for _, e := range nodes {
		if !r.enabled(e) {
			continue
		}
		id := e.meta.ID
		active = append(active, id)
		for _, dep := range e.deps {
			target, ok := byID[dep.ID]
			switch {
			case ok && r.enabled(target):
				edges[id] = append(edges[id], dep.ID)
			case dep.Optional:
				r.logger.Warn("optional dependency unavailable, continuing without it",
					zap.String("plugin", id),
					zap.String("dependency", dep.ID),
				)
			default:
				reason := "not registered"
				if ok {
					reason = "disabled"
				}
				missing = append(missing, &plugin.MissingDependencyError{
					PluginID:     id,
					DependencyID: dep.ID,
					Reason:       reason,
				})
			}
		}
	}
	if len(missing) > 0 {
		return nil, errors.Join(missing...)
	}

	state := make(map[string]int, len(active))
	order := make([]string, 0, len(active))
	for _, root := range active {
		if state[root] != unvisited {
			continue
		}
		state[root] = onStack
		stack := []frame{{id: root}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next < len(edges[top.id]) {
				dep := edges[top.id][top.next]
				top.next++
				switch state[dep] {
				case unvisited:
					state[dep] = onStack
					stack = append(stack, frame{id: dep})
				case onStack:
					return nil, cycleFrom(stack, dep)
				}
				continue
			}
			state[top.id] = done
			order = append(order, top.id)
			stack = stack[:len(stack)-1]
		}
	}
	return order, nil
}

// cycleFrom unwinds the DFS stack from the first occurrence of id.
func cycleFrom(stack []frame, id string) *plugin.CycleError {
	start := 0
	for i, f := range stack {
		if f.id == id {
			start = i
			break
		}
	}
	cycle := make([]string, 0, len(stack)-start+1)
	for _, f := range stack[start:] {
		cycle = append(cycle, f.id)
	}
	return &plugin.CycleError{Cycle: append(cycle, id)}
}
