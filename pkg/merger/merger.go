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

// Package merger implements the hierarchical merger (C7): it splits
// oversized clusters deterministically, merges subclusters in parallel
// (bounded by the merge client's global semaphore), and recurses until
// every piece fits the LLM's working-set limit.
package merger

import (
	"context"
	"errors"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/iternal-technologies/distill-engine/pkg/block"
	"github.com/iternal-technologies/distill-engine/pkg/mergeclient"
)

// Config holds the merger's single tunable.
type Config struct {
	// MaxClusterSize is the LLM working-set ceiling: the most blocks a
	// single merge call may carry. Default 20.
	MaxClusterSize int
}

// SetDefaults fills unset fields with their defaults.
func (c *Config) SetDefaults() {
	if c.MaxClusterSize <= 0 {
		c.MaxClusterSize = 20
	}
}

// Output is a single merged block together with the direct parent ids it
// absorbs. Parents is a union of: for each consumed source input, its own
// id; for each consumed already-merged input, its own (possibly
// non-source) direct parents. The caller is responsible for flattening
// this to a transitive closure over source ids.
type Output struct {
	Block   block.IdeaBlock
	Parents []string
}

// Result is the outcome of merging one cluster.
type Result struct {
	// Outputs are the newly produced merged blocks.
	Outputs []Output
	// Consumed holds the ids of every input absorbed into an Output.
	Consumed []string
	// Failed holds the ids of inputs left unmerged because every merge
	// attempt covering them was exhausted; the failure is recovered
	// locally rather than propagated. These blocks are NOT marked hidden.
	Failed []string
}

// Merger recursively partitions and merges oversized clusters.
type Merger struct {
	client *mergeclient.Client
	cfg    Config
}

// New creates a Merger bound to a shared mergeclient.Client (which itself
// owns the process-global merge concurrency semaphore).
func New(client *mergeclient.Client, cfg Config) *Merger {
	cfg.SetDefaults()
	return &Merger{client: client, cfg: cfg}
}

// MergeCluster merges one cluster of visible blocks down to as few outputs
// as the LLM oracle produces, recursing when a merge pass still leaves
// more outputs than the working-set ceiling allows.
func (m *Merger) MergeCluster(ctx context.Context, members []*block.Working) (Result, error) {
	n := len(members)
	if n < 2 {
		return Result{}, nil
	}

	if n <= m.cfg.MaxClusterSize {
		return m.singleMerge(ctx, members)
	}

	sorted := append([]*block.Working(nil), members...)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].ID < sorted[b].ID })

	t := subclusterSize(n, m.cfg.MaxClusterSize)
	chunks := partition(sorted, t)

	results := make([]Result, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			r, err := m.singleMerge(gctx, chunk)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var (
		merged   Result
		outputsW []*block.Working
	)
	for _, r := range results {
		merged.Consumed = append(merged.Consumed, r.Consumed...)
		merged.Failed = append(merged.Failed, r.Failed...)
		for _, o := range r.Outputs {
			outputsW = append(outputsW, &block.Working{
				ID:      block.ContentHash(o.Block),
				Block:   o.Block,
				Origin:  block.OriginMerged,
				Parents: o.Parents,
			})
		}
	}

	// outputsW are synthetic, chunk-local intermediates: they never existed
	// in the job's working set, so only their Outputs (not Consumed/Failed,
	// which would otherwise leak these intermediate ids) feed back up.
	// Consumed/Failed for the real, job-level members were already captured
	// in the loop above.
	switch {
	case len(outputsW) > m.cfg.MaxClusterSize:
		sub, err := m.MergeCluster(ctx, outputsW)
		if err != nil {
			return Result{}, err
		}
		if len(sub.Failed) > 0 {
			// Consolidation exhausted one level down; keep the chunk-level
			// outputs rather than losing the reduction already achieved.
			merged.Outputs = asOutputs(outputsW)
		} else {
			merged.Outputs = sub.Outputs
		}
	case len(outputsW) >= 2:
		final, err := m.singleMerge(ctx, outputsW)
		if err != nil {
			return Result{}, err
		}
		if len(final.Failed) > 0 {
			merged.Outputs = asOutputs(outputsW)
		} else {
			merged.Outputs = final.Outputs
		}
	case len(outputsW) == 1:
		merged.Outputs = asOutputs(outputsW)
	}

	return merged, nil
}

func asOutputs(ws []*block.Working) []Output {
	out := make([]Output, len(ws))
	for i, w := range ws {
		out[i] = Output{Block: w.Block, Parents: w.Parents}
	}
	return out
}

// singleMerge issues exactly one C3 call for members (which must already
// fit within MaxClusterSize). A merge_failed exhaustion is recovered
// locally: the members are reported as Failed (left visible, unchanged)
// rather than propagated as an error.
func (m *Merger) singleMerge(ctx context.Context, members []*block.Working) (Result, error) {
	inputs := make([]block.IdeaBlock, len(members))
	for i, w := range members {
		inputs[i] = w.Block
	}

	outputs, err := m.client.Merge(ctx, inputs)
	if err != nil {
		if errors.Is(err, mergeclient.ErrMergeFailed) {
			return Result{Failed: idsOf(members)}, nil
		}
		return Result{}, err
	}

	parents := unionParents(members)
	result := Result{Consumed: idsOf(members)}
	for _, o := range outputs {
		result.Outputs = append(result.Outputs, Output{Block: o, Parents: parents})
	}
	return result, nil
}

func idsOf(members []*block.Working) []string {
	ids := make([]string, len(members))
	for i, w := range members {
		ids[i] = w.ID
	}
	return ids
}

// unionParents computes the parent-contribution union: source inputs
// contribute their own id, already-merged inputs contribute their direct
// parents.
func unionParents(members []*block.Working) []string {
	seen := make(map[string]struct{})
	for _, w := range members {
		if w.Origin == block.OriginMerged {
			for _, p := range w.Parents {
				seen[p] = struct{}{}
			}
		} else {
			seen[w.ID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// subclusterSize computes the target chunk size for an oversized cluster:
// min(maxClusterSize, max(5, floor(2*sqrt(n)))).
func subclusterSize(n, maxClusterSize int) int {
	t := int(math.Floor(2 * math.Sqrt(float64(n))))
	if t < 5 {
		t = 5
	}
	if t > maxClusterSize {
		t = maxClusterSize
	}
	return t
}

// partition splits sorted into contiguous chunks of at most size t.
func partition(sorted []*block.Working, t int) [][]*block.Working {
	var chunks [][]*block.Working
	for start := 0; start < len(sorted); start += t {
		end := start + t
		if end > len(sorted) {
			end = len(sorted)
		}
		chunks = append(chunks, sorted[start:end])
	}
	return chunks
}
