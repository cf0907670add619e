package graph

import (
	"time"

	"github.com/crewline/bootstage/pkg/schema"
)

// Graph is the in-memory dependency graph derived from the stage registry.
// Built once at orchestrator construction, used to determine execution order.
type Graph struct {
	Stages  map[schema.StageID]schema.StageDescriptor // stage ID → descriptor
	Edges   map[schema.StageID][]schema.StageID       // stage ID → dependencies
	Reverse map[schema.StageID][]schema.StageID       // stage ID → dependents
	Sorted  []schema.StageID                          // total topological order
	Levels  [][]schema.StageID                        // parallel execution plan, increasing level

	// CriticalPath is the chain of critical stages whose cumulative
	// estimated duration is maximal, in execution order.
	CriticalPath         []schema.StageID
	CriticalPathDuration time.Duration
}

// Build derives the execution graph from a stage set. Dependencies are the
// union of (a) every critical stage at a strictly lower declared level and
// (b) the stage's explicit Requires edges.
//
// Every edge must point at a strictly lower level; that rule makes the
// relation acyclic by construction, so a duplicate ID, an unknown Requires
// target, a self-edge, or a Requires edge at the same or a higher level is
// a configuration defect returned as a CONFIG/CYCLE_DETECTED error.
// Startup paths should use MustBuild: these are programming bugs, not
// recoverable runtime conditions.
func Build(stages []schema.StageDescriptor) (*Graph, error) {
	if len(stages) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfig, "stage set is empty")
	}

	g := &Graph{
		Stages:  make(map[schema.StageID]schema.StageDescriptor, len(stages)),
		Edges:   make(map[schema.StageID][]schema.StageID, len(stages)),
		Reverse: make(map[schema.StageID][]schema.StageID, len(stages)),
	}

	// First pass: register stages and check for duplicates.
	for _, d := range stages {
		if d.ID == "" {
			return nil, schema.NewError(schema.ErrCodeConfig, "stage with empty ID")
		}
		if _, exists := g.Stages[d.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "duplicate stage ID: %s", d.ID)
		}
		if d.Level < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "stage %s has negative level %d", d.ID, d.Level)
		}
		g.Stages[d.ID] = d
	}

	// Second pass: build adjacency lists, validating that every edge points
	// strictly downward in level.
	for _, d := range stages {
		seen := make(map[schema.StageID]bool)
		var deps []schema.StageID

		add := func(dep schema.StageID) {
			if !seen[dep] {
				seen[dep] = true
				deps = append(deps, dep)
				g.Reverse[dep] = append(g.Reverse[dep], d.ID)
			}
		}

		// Implicit edges: critical stages at lower levels.
		for _, other := range stages {
			if other.Critical && other.Level < d.Level {
				add(other.ID)
			}
		}

		// Explicit predecessors.
		for _, req := range d.Requires {
			target, ok := g.Stages[req]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeConfig,
					"stage %s requires non-existent stage: %s", d.ID, req)
			}
			if req == d.ID {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
					"stage %s requires itself", d.ID)
			}
			if target.Level >= d.Level {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
					"stage %s (level %d) requires %s (level %d): predecessors must sit at a strictly lower level",
					d.ID, d.Level, req, target.Level)
			}
			add(req)
		}

		sortStages(deps)
		g.Edges[d.ID] = deps
	}

	// Group into the parallel execution plan by declared level, in
	// registration order within a level. Empty declared levels collapse.
	g.Levels = computeLevels(stages)

	// The total order is the plan flattened: consistent with level
	// ordering and with every dependency edge, since edges only point
	// at lower levels.
	for _, level := range g.Levels {
		g.Sorted = append(g.Sorted, level...)
	}

	g.CriticalPath, g.CriticalPathDuration = computeCriticalPath(g)

	return g, nil
}

// MustBuild is Build for the startup path: a bad registry is a programming
// defect, so it panics instead of returning an error.
func MustBuild(stages []schema.StageDescriptor) *Graph {
	g, err := Build(stages)
	if err != nil {
		panic("bootstage: invalid stage registry: " + err.Error())
	}
	return g
}

// computeLevels groups stages by declared level, ascending. All stages in
// one group have every dependency resolved by earlier groups.
func computeLevels(stages []schema.StageDescriptor) [][]schema.StageID {
	maxLevel := 0
	for _, d := range stages {
		if d.Level > maxLevel {
			maxLevel = d.Level
		}
	}

	byLevel := make([][]schema.StageID, maxLevel+1)
	for _, d := range stages {
		byLevel[d.Level] = append(byLevel[d.Level], d.ID)
	}

	levels := make([][]schema.StageID, 0, len(byLevel))
	for _, group := range byLevel {
		if len(group) > 0 {
			levels = append(levels, group)
		}
	}
	return levels
}

// computeCriticalPath finds the chain of critical stages with maximal
// cumulative estimated duration, walking only edges between critical stages.
func computeCriticalPath(g *Graph) ([]schema.StageID, time.Duration) {
	best := make(map[schema.StageID]time.Duration)
	prev := make(map[schema.StageID]schema.StageID)

	var tail schema.StageID
	var tailCost time.Duration

	for _, id := range g.Sorted {
		d := g.Stages[id]
		if !d.Critical {
			continue
		}

		cost := d.EstimatedDuration
		var from schema.StageID
		for _, dep := range g.Edges[id] {
			if !g.Stages[dep].Critical {
				continue
			}
			if c := best[dep] + d.EstimatedDuration; c > cost {
				cost = c
				from = dep
			}
		}
		best[id] = cost
		if from != "" {
			prev[id] = from
		}
		if cost > tailCost {
			tailCost = cost
			tail = id
		}
	}

	if tail == "" {
		return nil, 0
	}

	// Reconstruct from tail to head.
	var path []schema.StageID
	for id := tail; ; {
		path = append([]schema.StageID{id}, path...)
		from, ok := prev[id]
		if !ok {
			break
		}
		id = from
	}
	return path, tailCost
}

// DependenciesResolved reports whether every dependency of a stage appears
// in the done set.
func (g *Graph) DependenciesResolved(id schema.StageID, done map[schema.StageID]bool) bool {
	for _, dep := range g.Edges[id] {
		if !done[dep] {
			return false
		}
	}
	return true
}

// IsCriticalPathStage reports whether id sits on the critical path.
func (g *Graph) IsCriticalPathStage(id schema.StageID) bool {
	for _, s := range g.CriticalPath {
		if s == id {
			return true
		}
	}
	return false
}

// sortStages sorts a small slice of stage IDs in-place using insertion sort.
func sortStages(s []schema.StageID) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && s[j] > key {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}
