// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package clusterer implements the cluster builder (C6): from a set of
// similarity pairs, build connected components for small graphs (BFS mode)
// or modularity-optimized communities for large graphs (Louvain mode).
//
// Node iteration order is always driven by the stable positional index
// (which callers derive from sorted block ids, never insertion order), so
// repeated runs over identical input yield identical clusterings.
package clusterer

import (
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/simple"
)

// Pair is a weighted similarity edge between two positional indices.
type Pair struct {
	I, J       int
	Similarity float32
}

// Config holds the mode-selection threshold.
type Config struct {
	// LouvainNodeThreshold is the node count at which graphs switch from
	// BFS connected components to Louvain community detection. Default 1000.
	LouvainNodeThreshold int
	// Seed makes Louvain's tie-breaking RNG deterministic.
	Seed int64
}

// SetDefaults fills unset fields with their defaults.
func (c *Config) SetDefaults() {
	if c.LouvainNodeThreshold <= 0 {
		c.LouvainNodeThreshold = 1000
	}
}

// Cluster is a non-empty, sorted set of positional indices.
type Cluster []int

// Build partitions the nodes touched by pairs into clusters. Pairs must
// reference indices into whatever stable, id-sorted slice the caller used
// to compute similarities; Build never reorders by insertion order.
func Build(pairs []Pair, cfg Config) []Cluster {
	cfg.SetDefaults()

	nodes := distinctNodes(pairs)
	if len(nodes) == 0 {
		return nil
	}

	if len(nodes) >= cfg.LouvainNodeThreshold {
		return buildLouvain(pairs, nodes, cfg.Seed)
	}
	return buildBFS(pairs, nodes)
}

func distinctNodes(pairs []Pair) []int {
	seen := make(map[int]struct{})
	for _, p := range pairs {
		seen[p.I] = struct{}{}
		seen[p.J] = struct{}{}
	}
	nodes := make([]int, 0, len(seen))
	for n := range seen {
		nodes = append(nodes, n)
	}
	sort.Ints(nodes)
	return nodes
}

// buildBFS returns connected components as clusters, dropping singletons.
func buildBFS(pairs []Pair, nodes []int) []Cluster {
	adj := make(map[int][]int, len(nodes))
	for _, p := range pairs {
		adj[p.I] = append(adj[p.I], p.J)
		adj[p.J] = append(adj[p.J], p.I)
	}
	for _, neighbors := range adj {
		sort.Ints(neighbors)
	}

	visited := make(map[int]bool, len(nodes))
	var clusters []Cluster

	for _, start := range nodes {
		if visited[start] {
			continue
		}
		var component []int
		queue := []int{start}
		visited[start] = true
		for len(queue) > 0 {
			n := queue[0]
			queue = queue[1:]
			component = append(component, n)
			for _, nb := range adj[n] {
				if !visited[nb] {
					visited[nb] = true
					queue = append(queue, nb)
				}
			}
		}
		if len(component) < 2 {
			continue
		}
		sort.Ints(component)
		clusters = append(clusters, Cluster(component))
	}

	sort.Slice(clusters, func(a, b int) bool { return clusters[a][0] < clusters[b][0] })
	return clusters
}

// buildLouvain runs modularity-optimizing community detection for large,
// densely connected graphs via gonum.org/v1/gonum/graph/community.
func buildLouvain(pairs []Pair, nodes []int, seed int64) []Cluster {
	g := simple.NewWeightedUndirectedGraph(0, 0)
	for _, n := range nodes {
		g.AddNode(simple.Node(int64(n)))
	}
	for _, p := range pairs {
		g.SetWeightedEdge(simple.WeightedEdge{
			F: simple.Node(int64(p.I)),
			T: simple.Node(int64(p.J)),
			W: float64(p.Similarity),
		})
	}

	src := rand.New(rand.NewSource(seed))
	reduced := community.Modularize(g, 1, src)

	var clusters []Cluster
	for _, comm := range reduced.Communities() {
		if len(comm) < 2 {
			continue
		}
		ids := make([]int, len(comm))
		for i, n := range comm {
			ids[i] = int(n.ID())
		}
		sort.Ints(ids)
		clusters = append(clusters, Cluster(ids))
	}

	sort.Slice(clusters, func(a, b int) bool { return clusters[a][0] < clusters[b][0] })
	return clusters
}
