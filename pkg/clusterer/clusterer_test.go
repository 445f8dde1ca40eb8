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

package clusterer

import "testing"

func TestBuildDropsSingletons(t *testing.T) {
	// Node 5 never appears in any pair, so it must never surface as a cluster.
	pairs := []Pair{{I: 0, J: 1, Similarity: 0.9}}
	clusters := Build(pairs, Config{})
	if len(clusters) != 1 || len(clusters[0]) != 2 {
		t.Fatalf("expected one 2-node cluster, got %+v", clusters)
	}
}

func TestBuildConnectedComponents(t *testing.T) {
	// 0-1-2 form a chain (one component); 3-4 form a separate pair.
	pairs := []Pair{
		{I: 0, J: 1, Similarity: 0.9},
		{I: 1, J: 2, Similarity: 0.9},
		{I: 3, J: 4, Similarity: 0.9},
	}
	clusters := Build(pairs, Config{})
	if len(clusters) != 2 {
		t.Fatalf("expected 2 clusters, got %d: %+v", len(clusters), clusters)
	}
	if len(clusters[0]) != 3 {
		t.Fatalf("expected first cluster to have 3 members, got %+v", clusters[0])
	}
	if len(clusters[1]) != 2 {
		t.Fatalf("expected second cluster to have 2 members, got %+v", clusters[1])
	}
}

func TestBuildEmptyInput(t *testing.T) {
	if clusters := Build(nil, Config{}); clusters != nil {
		t.Fatalf("expected no clusters for no pairs, got %+v", clusters)
	}
}

func TestBuildDeterministicOrdering(t *testing.T) {
	pairs := []Pair{
		{I: 4, J: 5, Similarity: 0.8},
		{I: 0, J: 1, Similarity: 0.8},
		{I: 1, J: 2, Similarity: 0.8},
	}
	a := Build(pairs, Config{})
	b := Build(pairs, Config{})
	if len(a) != len(b) {
		t.Fatalf("non-deterministic cluster count: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			t.Fatalf("non-deterministic cluster %d: %+v vs %+v", i, a[i], b[i])
		}
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				t.Fatalf("non-deterministic member at cluster %d pos %d: %+v vs %+v", i, j, a[i], b[i])
			}
		}
	}
	// Clusters are ordered by lowest member id.
	if a[0][0] != 0 || a[1][0] != 4 {
		t.Fatalf("expected clusters sorted by lowest id, got %+v", a)
	}
}

func TestBuildLouvainModeUsedAboveThreshold(t *testing.T) {
	// Two disjoint triangles; force Louvain mode via a tiny threshold.
	pairs := []Pair{
		{I: 0, J: 1, Similarity: 0.95},
		{I: 1, J: 2, Similarity: 0.95},
		{I: 0, J: 2, Similarity: 0.95},
		{I: 3, J: 4, Similarity: 0.95},
		{I: 4, J: 5, Similarity: 0.95},
		{I: 3, J: 5, Similarity: 0.95},
	}
	clusters := Build(pairs, Config{LouvainNodeThreshold: 2, Seed: 42})
	total := 0
	for _, c := range clusters {
		total += len(c)
	}
	if total != 6 {
		t.Fatalf("expected all 6 nodes distributed across communities, got %d across %+v", total, clusters)
	}
}
