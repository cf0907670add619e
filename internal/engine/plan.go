package engine

import (
	"github.com/crewline/bootstage/internal/graph"
	"github.com/crewline/bootstage/pkg/schema"
)

// plan is the concrete execution schedule derived from the graph and the
// resolved strategy: batches of stages where each batch must fully resolve
// before the next starts.
type plan struct {
	strategy    schema.Strategy
	batches     [][]schema.StageID
	deferred    []schema.StageID
	maxParallel int
}

// buildPlan translates the resolved strategy into batches.
//
//   - sequential: one stage at a time, level order.
//   - parallel: each level is a batch, bounded by MaxParallelStages. Stages
//     not marked parallel-safe get their own singleton batch within the level.
//   - critical_only: only critical stages are scheduled; everything else is
//     deferred to the background runner.
func buildPlan(g *graph.Graph, strat schema.Strategy, cfg schema.Config) plan {
	strat = strat.ResolveProfile()

	p := plan{strategy: strat, maxParallel: cfg.MaxParallelStages}
	if p.maxParallel <= 0 {
		p.maxParallel = 1
	}

	switch strat {
	case schema.StrategySequential:
		p.maxParallel = 1
		p.batches = append(p.batches, g.Levels...)

	case schema.StrategyCriticalOnly:
		for _, level := range g.Levels {
			var keep []schema.StageID
			for _, id := range level {
				if g.Stages[id].Critical {
					keep = append(keep, id)
				} else {
					p.deferred = append(p.deferred, id)
				}
			}
			if len(keep) > 0 {
				p.batches = append(p.batches, splitBatches(g, keep)...)
			}
		}

	default: // parallel, and adaptive already resolved by the caller
		for _, level := range g.Levels {
			p.batches = append(p.batches, splitBatches(g, level)...)
		}
	}

	return p
}

// splitBatches isolates stages not marked parallel-safe into singleton
// batches, preserving level order. Parallel-safe stages of the level share
// one batch.
func splitBatches(g *graph.Graph, level []schema.StageID) [][]schema.StageID {
	var serial [][]schema.StageID
	var concurrent []schema.StageID

	for _, id := range level {
		if g.Stages[id].Parallel {
			concurrent = append(concurrent, id)
		} else {
			serial = append(serial, []schema.StageID{id})
		}
	}

	batches := serial
	if len(concurrent) > 0 {
		batches = append(batches, concurrent)
	}
	return batches
}

// StageCount returns the number of stages the plan will execute in the
// foreground.
func (p plan) StageCount() int {
	n := 0
	for _, b := range p.batches {
		n += len(b)
	}
	return n
}
