// Package graph turns a task set with blocked_by edges into execution levels.
package graph

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrCycleDetected indicates a circular dependency was found in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// CycleError names one offending cycle as a closed path: the first and last
// ids are the same.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCycleDetected, strings.Join(e.Cycle, " -> "))
}

func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}

type Node struct {
	ID        string
	BlockedBy []string
}

// Levels is the derived execution layering of a task set. Every blocker of a
// task in Levels[k] lies in Levels[0..k-1]. Ids inside a level are sorted but
// the order carries no meaning.
type Levels struct {
	Levels  [][]string     `json:"execution_levels"`
	LevelOf map[string]int `json:"task_level_map"`
}

// Build computes execution levels with a layered Kahn sort. Blockers that are
// not part of nodes are treated as satisfied. Duplicate ids keep the last
// occurrence.
func Build(nodes []Node) (*Levels, error) {
	blockers := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		blockers[n.ID] = nil
	}
	for _, n := range nodes {
		var in []string
		for _, b := range n.BlockedBy {
			if _, ok := blockers[b]; ok && !slices.Contains(in, b) {
				in = append(in, b)
			}
		}
		blockers[n.ID] = in
	}

	dependents := make(map[string][]string, len(blockers))
	remaining := make(map[string]int, len(blockers))
	for id, in := range blockers {
		remaining[id] = len(in)
		for _, b := range in {
			dependents[b] = append(dependents[b], id)
		}
	}

	var frontier []string
	for id, n := range remaining {
		if n == 0 {
			frontier = append(frontier, id)
		}
	}

	levels := &Levels{LevelOf: make(map[string]int, len(blockers))}
	for len(frontier) > 0 {
		slices.Sort(frontier)
		depth := len(levels.Levels)
		levels.Levels = append(levels.Levels, frontier)

		var next []string
		for _, id := range frontier {
			levels.LevelOf[id] = depth
			for _, d := range dependents[id] {
				remaining[d]--
				if remaining[d] == 0 {
					next = append(next, d)
				}
			}
		}
		frontier = next
	}

	if len(levels.LevelOf) != len(blockers) {
		return nil, &CycleError{Cycle: findCycle(blockers, levels.LevelOf)}
	}
	return levels, nil
}

// findCycle walks blocked_by edges among the nodes Kahn could not place.
// Every such node has at least one unplaced blocker, so the walk must revisit
// a node.
func findCycle(blockers map[string][]string, placed map[string]int) []string {
	var unplaced []string
	for id := range blockers {
		if _, ok := placed[id]; !ok {
			unplaced = append(unplaced, id)
		}
	}
	slices.Sort(unplaced)

	seen := make(map[string]int)
	var path []string
	cur := unplaced[0]
	for {
		if i, ok := seen[cur]; ok {
			cycle := append([]string(nil), path[i:]...)
			return append(cycle, cur)
		}
		seen[cur] = len(path)
		path = append(path, cur)
		for _, b := range blockers[cur] {
			if _, ok := placed[b]; !ok {
				cur = b
				break
			}
		}
	}
}

// Level returns the level of id and whether it is part of the set.
func (l *Levels) Level(id string) (int, bool) {
	d, ok := l.LevelOf[id]
	return d, ok
}

// Ready returns the nodes whose in-set blockers are all in resolved, minus the
// resolved nodes themselves.
func Ready(nodes []Node, resolved map[string]bool) []string {
	inSet := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		inSet[n.ID] = true
	}
	var ready []string
	for _, n := range nodes {
		if resolved[n.ID] {
			continue
		}
		ok := true
		for _, b := range n.BlockedBy {
			if inSet[b] && !resolved[b] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, n.ID)
		}
	}
	slices.Sort(ready)
	return ready
}
