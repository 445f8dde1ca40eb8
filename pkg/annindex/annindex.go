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

// Package annindex implements the ANN index (C5): a flat inner-product
// k-NN index over unit vectors (cosine similarity equals inner product
// post-normalization). It is used by the iteration controller when the
// working set is smaller than the LSH activation threshold, and can also
// serve as a dense refinement pass over LSH candidates.
//
// The index is backed by github.com/philippgille/chromem-go: an in-memory
// collection seeded with pre-computed embeddings and queried via
// QueryEmbedding. A fresh collection is built once per iteration over the
// currently visible block set.
package annindex

import (
	"context"
	"fmt"

	chromem "github.com/philippgille/chromem-go"
)

// Neighbor is a query result: the index of a neighboring vector (position
// in the slice passed to Build) and its cosine similarity to the query.
type Neighbor struct {
	Index      int
	Similarity float32
}

// Index is a flat, in-memory, per-iteration nearest-neighbor index.
type Index struct {
	db  *chromem.DB
	col *chromem.Collection
	ids []string // positional id, index == slice position passed to Build
}

// identityEmbed is a placeholder EmbeddingFunc: Build always supplies
// pre-computed vectors directly, so this should never be invoked.
func identityEmbed(_ context.Context, _ string) ([]float32, error) {
	return nil, fmt.Errorf("annindex: embedding function invoked but vectors are always pre-computed")
}

// Build constructs a fresh flat index over vectors, one document per
// vector, positionally identified 0..len(vectors)-1.
func Build(ctx context.Context, vectors [][]float32) (*Index, error) {
	db := chromem.NewDB()
	col, err := db.GetOrCreateCollection("working-set", nil, identityEmbed)
	if err != nil {
		return nil, fmt.Errorf("create ann collection: %w", err)
	}

	ids := make([]string, len(vectors))
	docs := make([]chromem.Document, len(vectors))
	for i, v := range vectors {
		id := positionalID(i)
		ids[i] = id
		docs[i] = chromem.Document{ID: id, Embedding: v}
	}

	if len(docs) > 0 {
		if err := col.AddDocuments(ctx, docs, 1); err != nil {
			return nil, fmt.Errorf("index working set: %w", err)
		}
	}

	return &Index{db: db, col: col, ids: ids}, nil
}

// Query returns the top-k neighbors of v, excluding the vector at
// excludeIndex so a block never matches itself. k is clamped to the index
// size minus one (self).
func (ix *Index) Query(ctx context.Context, v []float32, k int, excludeIndex int) ([]Neighbor, error) {
	if len(ix.ids) == 0 {
		return nil, nil
	}

	want := k + 1 // request one extra to cover the self-match we'll drop
	if want > len(ix.ids) {
		want = len(ix.ids)
	}

	results, err := ix.col.QueryEmbedding(ctx, v, want, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("ann query: %w", err)
	}

	out := make([]Neighbor, 0, len(results))
	for _, r := range results {
		idx, ok := indexFromID(r.ID)
		if !ok || idx == excludeIndex {
			continue
		}
		out = append(out, Neighbor{Index: idx, Similarity: r.Similarity})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

func positionalID(i int) string {
	return fmt.Sprintf("v%d", i)
}

func indexFromID(id string) (int, bool) {
	var idx int
	if _, err := fmt.Sscanf(id, "v%d", &idx); err != nil {
		return 0, false
	}
	return idx, true
}

// Pair is a candidate similarity pair, positionally indexed like
// lshindex.Pair.
type Pair struct {
	I, J       int
	Similarity float32
}

// DensePairs performs the full O(n^2) pairwise scan used when the working
// set is below the LSH activation threshold. Only pairs with similarity
// >= threshold are returned, in sorted (i, j) order.
func DensePairs(vectors [][]float32, threshold float32) []Pair {
	var pairs []Pair
	for i := 0; i < len(vectors); i++ {
		for j := i + 1; j < len(vectors); j++ {
			sim := dot(vectors[i], vectors[j])
			if sim >= threshold {
				pairs = append(pairs, Pair{I: i, J: j, Similarity: sim})
			}
		}
	}
	return pairs
}

func dot(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float32
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
