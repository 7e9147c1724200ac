package dependency

import (
	"fmt"
	"math/rand"
	"slices"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// randomDAG builds n nodes where node i may only depend on nodes j < i,
// plus a chain i -> i-1 so the whole graph is connected.
func randomDAG(n int, seed int64) []Node {
	rng := rand.New(rand.NewSource(seed))
	nodes := make([]Node, n)
	for i := range nodes {
		nodes[i].ID = fmt.Sprintf("n%d", i)
		if i > 0 {
			nodes[i].DependsOn = append(nodes[i].DependsOn, nodes[i-1].ID)
		}
		for j := 0; j < i-1; j++ {
			if rng.Intn(3) == 0 {
				nodes[i].DependsOn = append(nodes[i].DependsOn, nodes[j].ID)
			}
		}
	}
	rng.Shuffle(len(nodes), func(a, b int) { nodes[a], nodes[b] = nodes[b], nodes[a] })
	return nodes
}

func TestProperty_TopologicalSoundness(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("every id appears once and after its dependencies", prop.ForAll(
		func(n int, seed int64) bool {
			nodes := randomDAG(n, seed)
			order, ok := New(nodes).TopologicalOrder()
			if !ok || len(order) != n {
				return false
			}
			pos := make(map[string]int, n)
			for i, id := range order {
				if _, dup := pos[id]; dup {
					return false
				}
				pos[id] = i
			}
			for _, node := range nodes {
				for _, d := range node.DependsOn {
					if pos[d] >= pos[node.ID] {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(0, 15),
		gen.Int64(),
	))

	properties.Property("parallel groups respect levels", prop.ForAll(
		func(n int, seed int64) bool {
			nodes := randomDAG(n, seed)
			groups := New(nodes).ParallelGroups()
			level := make(map[string]int)
			for l, g := range groups {
				for _, id := range g {
					level[id] = l
				}
			}
			if n > 0 && len(level) != n {
				return false
			}
			for _, node := range nodes {
				for _, d := range node.DependsOn {
					if level[d] >= level[node.ID] {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(0, 15),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func TestProperty_CycleDetection(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("closing edge is reported in the cycle", prop.ForAll(
		func(n int, seed int64) bool {
			nodes := randomDAG(n, seed)
			first, last := "n0", fmt.Sprintf("n%d", n-1)
			for i := range nodes {
				if nodes[i].ID == first {
					nodes[i].DependsOn = append(nodes[i].DependsOn, last)
				}
			}
			res := New(nodes).Validate()
			return res.Kind == CircularDependency &&
				slices.Contains(res.Cycle, first) &&
				slices.Contains(res.Cycle, last)
		},
		gen.IntRange(2, 15),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
