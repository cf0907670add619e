package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/bootstage/pkg/schema"
)

func testStages() []schema.StageDescriptor {
	return []schema.StageDescriptor{
		{ID: "core", Level: 0, Critical: true, EstimatedDuration: 100 * time.Millisecond},
		{ID: "cache", Level: 0, Parallel: true, EstimatedDuration: 50 * time.Millisecond},
		{ID: "auth", Level: 1, Critical: true, EstimatedDuration: 300 * time.Millisecond},
		{ID: "profile", Level: 2, Critical: true, Requires: []schema.StageID{"auth"}, EstimatedDuration: 200 * time.Millisecond},
		{ID: "feed", Level: 3, Parallel: true, EstimatedDuration: 400 * time.Millisecond},
		{ID: "push", Level: 5, Parallel: true, EstimatedDuration: 150 * time.Millisecond},
	}
}

func TestBuild_GroupsByDeclaredLevel(t *testing.T) {
	g, err := Build(testStages())
	require.NoError(t, err)

	// Level 4 is unused, so the sparse level collapses: 5 groups.
	require.Len(t, g.Levels, 5)
	assert.Equal(t, []schema.StageID{"core", "cache"}, g.Levels[0])
	assert.Equal(t, []schema.StageID{"auth"}, g.Levels[1])
	assert.Equal(t, []schema.StageID{"profile"}, g.Levels[2])
	assert.Equal(t, []schema.StageID{"feed"}, g.Levels[3])
	assert.Equal(t, []schema.StageID{"push"}, g.Levels[4])
}

func TestBuild_SortedNeverPlacesStageBeforeLowerLevel(t *testing.T) {
	g, err := Build(testStages())
	require.NoError(t, err)

	pos := make(map[schema.StageID]int, len(g.Sorted))
	for i, id := range g.Sorted {
		pos[id] = i
	}
	for id, d := range g.Stages {
		for otherID, other := range g.Stages {
			if other.Level < d.Level {
				assert.Less(t, pos[otherID], pos[id],
					"%s (level %d) must precede %s (level %d)", otherID, other.Level, id, d.Level)
			}
		}
	}
}

func TestBuild_ImplicitCriticalEdges(t *testing.T) {
	g, err := Build(testStages())
	require.NoError(t, err)

	// Every stage above level 0 depends on the critical stages below it.
	assert.Contains(t, g.Edges["auth"], schema.StageID("core"))
	assert.NotContains(t, g.Edges["auth"], schema.StageID("cache")) // non-critical

	// Explicit Requires merges with the implicit set, deduplicated.
	assert.ElementsMatch(t, []schema.StageID{"auth", "core"}, g.Edges["profile"])

	// Reverse adjacency mirrors the forward edges.
	assert.Contains(t, g.Reverse["auth"], schema.StageID("profile"))
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name   string
		stages []schema.StageDescriptor
		code   string
	}{
		{
			name:   "empty set",
			stages: nil,
			code:   schema.ErrCodeConfig,
		},
		{
			name: "duplicate id",
			stages: []schema.StageDescriptor{
				{ID: "a", Level: 0},
				{ID: "a", Level: 1},
			},
			code: schema.ErrCodeConfig,
		},
		{
			name: "negative level",
			stages: []schema.StageDescriptor{
				{ID: "a", Level: -1},
			},
			code: schema.ErrCodeConfig,
		},
		{
			name: "unknown requires target",
			stages: []schema.StageDescriptor{
				{ID: "a", Level: 1, Requires: []schema.StageID{"ghost"}},
			},
			code: schema.ErrCodeConfig,
		},
		{
			name: "self requirement",
			stages: []schema.StageDescriptor{
				{ID: "a", Level: 1, Requires: []schema.StageID{"a"}},
			},
			code: schema.ErrCodeCycleDetected,
		},
		{
			name: "same level requirement",
			stages: []schema.StageDescriptor{
				{ID: "a", Level: 1},
				{ID: "b", Level: 1, Requires: []schema.StageID{"a"}},
			},
			code: schema.ErrCodeCycleDetected,
		},
		{
			name: "higher level requirement",
			stages: []schema.StageDescriptor{
				{ID: "a", Level: 2},
				{ID: "b", Level: 1, Requires: []schema.StageID{"a"}},
			},
			code: schema.ErrCodeCycleDetected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.stages)
			require.Error(t, err)
			var serr *schema.StageError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, tt.code, serr.Code)
		})
	}
}

func TestBuild_CriticalPath(t *testing.T) {
	g, err := Build(testStages())
	require.NoError(t, err)

	// core -> auth -> profile is the only critical chain.
	assert.Equal(t, []schema.StageID{"core", "auth", "profile"}, g.CriticalPath)
	assert.Equal(t, 600*time.Millisecond, g.CriticalPathDuration)

	assert.True(t, g.IsCriticalPathStage("auth"))
	assert.False(t, g.IsCriticalPathStage("feed"))
}

func TestBuild_NoCriticalStages(t *testing.T) {
	g, err := Build([]schema.StageDescriptor{
		{ID: "a", Level: 0, EstimatedDuration: time.Second},
		{ID: "b", Level: 1, EstimatedDuration: time.Second},
	})
	require.NoError(t, err)
	assert.Empty(t, g.CriticalPath)
	assert.Zero(t, g.CriticalPathDuration)
}

func TestDependenciesResolved(t *testing.T) {
	g, err := Build(testStages())
	require.NoError(t, err)

	done := map[schema.StageID]bool{"core": true}
	assert.True(t, g.DependenciesResolved("auth", done))
	assert.False(t, g.DependenciesResolved("profile", done))

	done["auth"] = true
	assert.True(t, g.DependenciesResolved("profile", done))
}

func TestMustBuild_PanicsOnInvalidRegistry(t *testing.T) {
	assert.Panics(t, func() {
		MustBuild([]schema.StageDescriptor{
			{ID: "a", Level: 1, Requires: []schema.StageID{"a"}},
		})
	})
}

func TestBuild_DefaultRegistry(t *testing.T) {
	g, err := Build(schema.AllStages())
	require.NoError(t, err)
	assert.Len(t, g.Stages, schema.StageCount())
	assert.Len(t, g.Sorted, schema.StageCount())
	assert.NotEmpty(t, g.CriticalPath)
}
