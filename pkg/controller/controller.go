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

// Package controller implements the iteration controller (C8): it loops
// {embed -> pairs -> cluster -> merge -> re-embed} with a rising
// similarity threshold, enforcing convergence and the iteration budget.
package controller

import (
	"context"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/iternal-technologies/distill-engine/pkg/annindex"
	"github.com/iternal-technologies/distill-engine/pkg/block"
	"github.com/iternal-technologies/distill-engine/pkg/clusterer"
	"github.com/iternal-technologies/distill-engine/pkg/embedclient"
	"github.com/iternal-technologies/distill-engine/pkg/lshindex"
	"github.com/iternal-technologies/distill-engine/pkg/merger"
)

// Phase names reported through ProgressFunc.
const (
	PhaseEmbedding      = "embedding"
	PhaseCandidatePairs = "candidate_pairs"
	PhaseClustering     = "clustering"
	PhaseMerging        = "merging"
	PhaseIteration      = "iteration"
	PhaseFinalizing     = "finalizing"
)

// Config holds the iteration tunables plus the LSH activation threshold.
// InitialThreshold and Iterations double as defaults: a caller's per-job
// "similarity" and "iterations" request fields override them per Run call.
type Config struct {
	// InitialThreshold is the default θ0 when a caller passes 0. Default 0.55.
	InitialThreshold float64
	// ThresholdIncrement is Δθ. Default 0.01.
	ThresholdIncrement float64
	// MaxThreshold is θ_max. Default 0.98.
	MaxThreshold float64
	// Iterations is the default I when a caller passes 0. Default 4.
	Iterations int
	// LSHActivation is N_lsh: LSH is used only when the visible set is at
	// least this large; below it, a dense scan is used instead. Default 50.
	LSHActivation int
	// DisableLSH forces the dense O(n^2) scan regardless of LSHActivation
	// (USE_LSH=false). Intended for small/debug deployments that would
	// rather trade throughput for C5's exact recall.
	DisableLSH bool
	// LSH and Cluster carry the C4/C6 sub-configs.
	LSH     lshindex.Config
	Cluster clusterer.Config
}

// SetDefaults fills unset fields with their defaults.
func (c *Config) SetDefaults() {
	if c.InitialThreshold <= 0 {
		c.InitialThreshold = 0.55
	}
	if c.ThresholdIncrement <= 0 {
		c.ThresholdIncrement = 0.01
	}
	if c.MaxThreshold <= 0 {
		c.MaxThreshold = 0.98
	}
	if c.Iterations <= 0 {
		c.Iterations = 4
	}
	if c.LSHActivation <= 0 {
		c.LSHActivation = 50
	}
	c.LSH.SetDefaults()
	c.Cluster.SetDefaults()
}

// ProgressFunc reports iteration progress back to the job manager.
type ProgressFunc func(phase string, percent float64, details map[string]any)

// CheckpointFunc persists the current working set after an iteration
// completes. nextIteration and nextThreshold are the loop position the run
// will continue from, so a resume picks up with the work that has not
// happened yet instead of replaying the iteration that produced the
// checkpoint. A non-nil error is a fatal persistence failure and
// immediately aborts the run.
type CheckpointFunc func(ctx context.Context, nextIteration int, nextThreshold float64) error

// Controller drives the embed/pair/cluster/merge loop.
type Controller struct {
	embed  *embedclient.Client
	merger *merger.Merger
	cfg    Config
}

// New creates a Controller.
func New(embed *embedclient.Client, mrg *merger.Merger, cfg Config) *Controller {
	cfg.SetDefaults()
	return &Controller{embed: embed, merger: mrg, cfg: cfg}
}

// Stats summarizes what happened across the run, independent of the
// caller's own before/after block counts.
type Stats struct {
	IterationsRun  int
	FinalThreshold float64
	StoppedEarly   bool // true if a cluster-free iteration broke the loop
}

// Run executes the iteration loop in place over working, a map keyed by
// block id. jobSeed makes LSH hyperplane construction deterministic:
// identical inputs always yield identical candidate sets.
// initialThreshold and iterations are the per-job threshold and iteration
// count from the submission request; passing 0 for either falls back to
// the Controller's configured default. startIteration and startThreshold
// resume a checkpointed run: startIteration is the next loop index to run
// (equal to the number of iterations already completed, 0 for a fresh
// submission) and startThreshold is the threshold that iteration should
// use, so a resumed job continues its iteration budget and threshold
// progression instead of re-entering at r=0 against the original starting
// threshold or replaying an iteration it already finished. The loop observes
// ctx cancellation/deadline at the top of each iteration, the only safe
// cancellation point for in-progress work; on cancellation it returns
// ctx.Err() with whatever partial merges already landed in working left
// intact.
func (c *Controller) Run(ctx context.Context, jobSeed string, working map[string]*block.Working, initialThreshold float64, iterations int, startIteration int, startThreshold float64, onProgress ProgressFunc, onCheckpoint CheckpointFunc) (Stats, error) {
	if initialThreshold <= 0 {
		initialThreshold = c.cfg.InitialThreshold
	}
	if iterations <= 0 {
		iterations = c.cfg.Iterations
	}
	if startIteration < 0 {
		startIteration = 0
	}

	// baseThreshold anchors the threshold formula so iteration r reproduces
	// startThreshold at r=startIteration, rather than recomputing from θ0
	// (which would understate progress already made before a crash).
	baseThreshold := initialThreshold
	if startIteration > 0 && startThreshold > 0 {
		baseThreshold = startThreshold - float64(startIteration)*c.cfg.ThresholdIncrement
	}

	stats := Stats{IterationsRun: startIteration, FinalThreshold: startThreshold}

	for r := startIteration; r < iterations; r++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		threshold := baseThreshold + float64(r)*c.cfg.ThresholdIncrement
		if threshold > c.cfg.MaxThreshold {
			threshold = c.cfg.MaxThreshold
		}
		stats.FinalThreshold = threshold

		if err := c.embedMissing(ctx, working, onProgress); err != nil {
			return stats, err
		}

		visible := visibleSorted(working)
		report(onProgress, PhaseIteration, percentFor(r, iterations), map[string]any{
			"iteration":   r,
			"block_count": len(visible),
			"threshold":   threshold,
		})

		if len(visible) < 2 {
			stats.IterationsRun++
			stats.StoppedEarly = true
			break
		}

		pairs := c.candidatePairs(jobSeed, visible, threshold, onProgress)

		report(onProgress, PhaseClustering, percentFor(r, iterations), map[string]any{"iteration": r})
		clusters := clusterer.Build(pairs, c.cfg.Cluster)
		if len(clusters) == 0 {
			stats.IterationsRun++
			stats.StoppedEarly = true
			break
		}

		if err := c.mergeClusters(ctx, visible, clusters, working, onProgress); err != nil {
			return stats, err
		}

		stats.IterationsRun++

		if onCheckpoint != nil {
			// Record the position the loop continues from, not the
			// iteration just finished: resuming must not replay work.
			next := threshold + c.cfg.ThresholdIncrement
			if next > c.cfg.MaxThreshold {
				next = c.cfg.MaxThreshold
			}
			if err := onCheckpoint(ctx, r+1, next); err != nil {
				return stats, fmt.Errorf("persistence_failure: %w", err)
			}
		}

		if err := ctx.Err(); err != nil {
			return stats, err
		}
	}

	return stats, nil
}

func (c *Controller) embedMissing(ctx context.Context, working map[string]*block.Working, onProgress ProgressFunc) error {
	var (
		ids   []string
		texts []string
	)
	for id, w := range working {
		if w.Embedding == nil {
			ids = append(ids, id)
			texts = append(texts, block.EmbeddingText(w.Block))
		}
	}
	if len(ids) == 0 {
		return nil
	}

	report(onProgress, PhaseEmbedding, -1, map[string]any{"pending": len(ids)})

	vectors, err := c.embed.Embed(ctx, texts)
	if err != nil {
		return err
	}
	for i, id := range ids {
		working[id].Embedding = vectors[i]
	}
	return nil
}

// candidatePairs chooses LSH or dense scan per n vs N_lsh, then filters to
// pairs at or above threshold, returning them as positional indices into
// visible.
func (c *Controller) candidatePairs(jobSeed string, visible []*block.Working, threshold float64, onProgress ProgressFunc) []clusterer.Pair {
	report(onProgress, PhaseCandidatePairs, -1, map[string]any{"block_count": len(visible)})

	vectors := make([][]float32, len(visible))
	for i, w := range visible {
		vectors[i] = w.Embedding
	}

	var out []clusterer.Pair

	if !c.cfg.DisableLSH && len(visible) >= c.cfg.LSHActivation {
		dim := 0
		if len(vectors) > 0 {
			dim = len(vectors[0])
		}
		lsh := lshindex.New(jobSeed, dim, c.cfg.LSH)
		for _, p := range lsh.CandidatePairs(vectors) {
			sim := cosine(vectors[p.I], vectors[p.J])
			if float64(sim) >= threshold {
				out = append(out, clusterer.Pair{I: p.I, J: p.J, Similarity: sim})
			}
		}
	} else {
		for _, p := range annindex.DensePairs(vectors, float32(threshold)) {
			out = append(out, clusterer.Pair{I: p.I, J: p.J, Similarity: p.Similarity})
		}
	}

	sort.Slice(out, func(a, b int) bool {
		if out[a].I != out[b].I {
			return out[a].I < out[b].I
		}
		return out[a].J < out[b].J
	})
	return out
}

func (c *Controller) mergeClusters(ctx context.Context, visible []*block.Working, clusters []clusterer.Cluster, working map[string]*block.Working, onProgress ProgressFunc) error {
	report(onProgress, PhaseMerging, -1, map[string]any{"clusters": len(clusters)})

	results := make([]merger.Result, len(clusters))
	g, gctx := errgroup.WithContext(ctx)
	for ci, cl := range clusters {
		ci, cl := ci, cl
		members := make([]*block.Working, len(cl))
		for i, idx := range cl {
			members[i] = visible[idx]
		}
		g.Go(func() error {
			r, err := c.merger.MergeCluster(gctx, members)
			if err != nil {
				return err
			}
			results[ci] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, r := range results {
		for _, id := range r.Consumed {
			if w, ok := working[id]; ok {
				w.Hidden = true
			}
		}
		for _, out := range r.Outputs {
			id := block.ContentHash(out.Block)
			if existing, ok := working[id]; ok {
				// The model reproduced a block that is already in the
				// working set (content hashes are identical). Keep that
				// block visible and fold the new parent set into it so
				// every consumed input stays claimed.
				existing.Hidden = false
				existing.Parents = unionIDs(existing.Parents, out.Parents, id)
				continue
			}
			working[id] = &block.Working{
				ID:      id,
				Block:   out.Block,
				Origin:  block.OriginMerged,
				Parents: out.Parents,
			}
		}
	}
	return nil
}

// unionIDs merges two parent-id lists, dropping self (a block is never its
// own parent) and duplicates, returning a sorted result.
func unionIDs(a, b []string, self string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, id := range a {
		seen[id] = struct{}{}
	}
	for _, id := range b {
		seen[id] = struct{}{}
	}
	delete(seen, self)
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func visibleSorted(working map[string]*block.Working) []*block.Working {
	out := make([]*block.Working, 0, len(working))
	for _, w := range working {
		if !w.Hidden {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func percentFor(iteration, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := math.Floor(float64(iteration) / float64(total) * 99)
	if p > 99 {
		p = 99
	}
	return p
}

func report(fn ProgressFunc, phase string, percent float64, details map[string]any) {
	if fn == nil {
		return
	}
	fn(phase, percent, details)
}
