package scheduler

import (
	"sort"
	"strings"

	"github.com/clintrovert/foreman/pkg/types"
)

// Graph is the dependency graph derived from one scan of task records. It is
// rebuilt on every scan and never mutated afterwards.
type Graph struct {
	Tasks   map[string]*types.TaskRecord
	Adj     map[string][]string // dependency -> dependents
	RevAdj  map[string][]string // task -> known dependencies
	Unknown map[string][]string // task -> dependency ids with no record
}

// BuildGraph indexes records by id. Records without an id are left out; the
// first record wins when ids collide.
func BuildGraph(records []types.TaskRecord) *Graph {
	g := &Graph{
		Tasks:   make(map[string]*types.TaskRecord),
		Adj:     make(map[string][]string),
		RevAdj:  make(map[string][]string),
		Unknown: make(map[string][]string),
	}

	for i := range records {
		id := strings.TrimSpace(records[i].ID)
		if id == "" {
			continue
		}
		if _, exists := g.Tasks[id]; exists {
			continue
		}
		g.Tasks[id] = &records[i]
	}

	edgeSet := make(map[[2]string]bool)
	for id, task := range g.Tasks {
		for _, dep := range task.DependsOn {
			dep = strings.TrimSpace(dep)
			if dep == "" {
				continue
			}
			if _, ok := g.Tasks[dep]; !ok {
				g.Unknown[id] = append(g.Unknown[id], dep)
				continue
			}
			key := [2]string{dep, id}
			if edgeSet[key] {
				continue
			}
			edgeSet[key] = true
			g.Adj[dep] = append(g.Adj[dep], id)
			g.RevAdj[id] = append(g.RevAdj[id], dep)
		}
	}

	for k := range g.Adj {
		sort.Strings(g.Adj[k])
	}
	for k := range g.RevAdj {
		sort.Strings(g.RevAdj[k])
	}
	return g
}

// DetectCycle returns one dependency cycle, or nil if the graph is acyclic.
// Tasks on a cycle can never become eligible; the cycle is reported so an
// operator can fix the backlog.
func (g *Graph) DetectCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make(map[string]int)
	parent := make(map[string]string)

	var dfs func(node string) []string
	dfs = func(node string) []string {
		color[node] = gray
		for _, next := range g.Adj[node] {
			if color[next] == gray {
				cycle := []string{next, node}
				cur := node
				for cur != next {
					cur = parent[cur]
					cycle = append(cycle, cur)
				}
				for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
					cycle[i], cycle[j] = cycle[j], cycle[i]
				}
				return cycle
			}
			if color[next] == white {
				parent[next] = node
				if cycle := dfs(next); cycle != nil {
					return cycle
				}
			}
		}
		color[node] = black
		return nil
	}

	ids := make([]string, 0, len(g.Tasks))
	for id := range g.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if color[id] == white {
			if cycle := dfs(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
