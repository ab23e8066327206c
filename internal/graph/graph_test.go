package graph

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild(t *testing.T) {
	tests := []struct {
		name  string
		nodes []Node
		want  [][]string
	}{
		{
			name: "empty",
			want: nil,
		},
		{
			name: "fan out",
			nodes: []Node{
				{ID: "A"},
				{ID: "B", BlockedBy: []string{"A"}},
				{ID: "C", BlockedBy: []string{"A"}},
			},
			want: [][]string{{"A"}, {"B", "C"}},
		},
		{
			name: "diamond",
			nodes: []Node{
				{ID: "d", BlockedBy: []string{"b", "c"}},
				{ID: "c", BlockedBy: []string{"a"}},
				{ID: "b", BlockedBy: []string{"a"}},
				{ID: "a"},
			},
			want: [][]string{{"a"}, {"b", "c"}, {"d"}},
		},
		{
			name: "longest path decides level",
			nodes: []Node{
				{ID: "a"},
				{ID: "b", BlockedBy: []string{"a"}},
				{ID: "c", BlockedBy: []string{"a", "b"}},
			},
			want: [][]string{{"a"}, {"b"}, {"c"}},
		},
		{
			name: "out of set blockers are satisfied",
			nodes: []Node{
				{ID: "a", BlockedBy: []string{"other-project-task"}},
				{ID: "b", BlockedBy: []string{"a", "a"}},
			},
			want: [][]string{{"a"}, {"b"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Build(tt.nodes)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got.Levels); diff != "" {
				t.Errorf("levels mismatch (-want +got):\n%s", diff)
			}
			for depth, level := range got.Levels {
				for _, id := range level {
					assert.Equal(t, depth, got.LevelOf[id])
				}
			}
		})
	}
}

func TestBuildCycle(t *testing.T) {
	tests := []struct {
		name  string
		nodes []Node
	}{
		{name: "self loop", nodes: []Node{{ID: "a", BlockedBy: []string{"a"}}}},
		{name: "pair", nodes: []Node{{ID: "a", BlockedBy: []string{"b"}}, {ID: "b", BlockedBy: []string{"a"}}}},
		{
			name: "cycle behind a root",
			nodes: []Node{
				{ID: "root"},
				{ID: "x", BlockedBy: []string{"root", "z"}},
				{ID: "y", BlockedBy: []string{"x"}},
				{ID: "z", BlockedBy: []string{"y"}},
				{ID: "tail", BlockedBy: []string{"z"}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.nodes)
			require.ErrorIs(t, err, ErrCycleDetected)

			var cycleErr *CycleError
			require.True(t, errors.As(err, &cycleErr))
			cycle := cycleErr.Cycle
			require.GreaterOrEqual(t, len(cycle), 2)
			assert.Equal(t, cycle[0], cycle[len(cycle)-1])

			edges := map[string][]string{}
			for _, n := range tt.nodes {
				edges[n.ID] = n.BlockedBy
			}
			for i := 0; i+1 < len(cycle); i++ {
				assert.Contains(t, edges[cycle[i]], cycle[i+1], "cycle step %s -> %s", cycle[i], cycle[i+1])
			}
		})
	}
}

// Random DAGs: edges only point to lower indices, so the set is acyclic.
func TestBuildBlockersAreInLowerLevels(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for iter := range 200 {
		n := 1 + r.IntN(30)
		nodes := make([]Node, n)
		for i := range nodes {
			nodes[i].ID = fmt.Sprintf("t%02d", i)
			for j := 0; j < i; j++ {
				if r.IntN(4) == 0 {
					nodes[i].BlockedBy = append(nodes[i].BlockedBy, nodes[j].ID)
				}
			}
		}
		r.Shuffle(n, func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })

		levels, err := Build(nodes)
		require.NoError(t, err, "iteration %d", iter)
		require.Len(t, levels.LevelOf, n)
		for _, node := range nodes {
			for _, b := range node.BlockedBy {
				assert.Less(t, levels.LevelOf[b], levels.LevelOf[node.ID])
			}
		}
	}
}

func TestReady(t *testing.T) {
	nodes := []Node{
		{ID: "A"},
		{ID: "B", BlockedBy: []string{"A"}},
		{ID: "C", BlockedBy: []string{"A", "elsewhere"}},
		{ID: "D", BlockedBy: []string{"B", "C"}},
	}
	assert.Equal(t, []string{"A"}, Ready(nodes, map[string]bool{}))
	assert.Equal(t, []string{"B", "C"}, Ready(nodes, map[string]bool{"A": true}))
	assert.Equal(t, []string{"D"}, Ready(nodes, map[string]bool{"A": true, "B": true, "C": true}))
}
