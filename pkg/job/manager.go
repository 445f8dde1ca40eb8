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

package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iternal-technologies/distill-engine/pkg/block"
	"github.com/iternal-technologies/distill-engine/pkg/controller"
	"github.com/iternal-technologies/distill-engine/pkg/metrics"
)

// Config holds the manager tunables.
type Config struct {
	// MaxConcurrentJobs caps how many jobs run at once. Default 4.
	MaxConcurrentJobs int
	// DefaultDeadline is stamped onto every job at submission. Default 1200s.
	DefaultDeadline time.Duration
	// CheckpointDir is where per-job checkpoint files are written. Empty
	// disables persistence (tests may run without a filesystem).
	CheckpointDir string
}

// SetDefaults fills unset fields with their defaults.
func (c *Config) SetDefaults() {
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 4
	}
	if c.DefaultDeadline <= 0 {
		c.DefaultDeadline = 1200 * time.Second
	}
}

// Manager owns the set of in-flight and completed jobs, and the global
// job-concurrency semaphore (distinct from the merge client's own
// process-global parallelism semaphore).
type Manager struct {
	ctrl    *controller.Controller
	cfg     Config
	metrics *metrics.Metrics

	sem chan struct{}

	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewManager creates a Manager bound to a Controller. m may be nil, in
// which case metrics recording is a no-op.
func NewManager(ctrl *controller.Controller, cfg Config, m *metrics.Metrics) *Manager {
	cfg.SetDefaults()
	return &Manager{
		ctrl:    ctrl,
		cfg:     cfg,
		metrics: m,
		sem:     make(chan struct{}, cfg.MaxConcurrentJobs),
		jobs:    make(map[string]*Job),
	}
}

// Resume loads any non-terminal checkpoints from CheckpointDir and restarts
// them in the background, so a crashed process picks up where it left off.
func (m *Manager) Resume(ctx context.Context) error {
	jobs, err := loadCheckpoints(m.cfg.CheckpointDir)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		m.mu.Lock()
		m.jobs[j.ID] = j
		m.mu.Unlock()
		go m.run(context.Background(), j)
	}
	return nil
}

// Get retrieves a job by id.
func (m *Manager) Get(jobID string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[jobID]
	return j, ok
}

// ErrBadRequest marks a malformed submission.
var ErrBadRequest = errors.New("bad_request")

// Submit creates a new job from inputs and starts it in the background.
// When wait is true, Submit blocks until the job reaches a terminal status
// or its deadline elapses, then returns the finished Job; otherwise it
// returns immediately with the job queued.
func (m *Manager) Submit(ctx context.Context, inputs []Input, similarity float64, iterations int, wait bool) (*Job, error) {
	if similarity <= 0 {
		similarity = 0.55
	}
	if iterations <= 0 {
		iterations = 4
	}

	working := make(map[string]*block.Working, len(inputs))
	for _, in := range inputs {
		if in.ID == "" {
			return nil, fmt.Errorf("%w: missing blockifyResultUUID", ErrBadRequest)
		}
		if !in.Block.HasRequiredFields() {
			// Drop the block, not the batch.
			slog.Warn("dropping block with missing required fields", "id", in.ID)
			continue
		}
		working[in.ID] = &block.Working{
			ID:     in.ID,
			Block:  in.Block,
			Hidden: in.Hidden,
			Origin: block.OriginSource,
		}
	}

	id := uuid.New().String()
	j := newJob(id, similarity, iterations, m.cfg.DefaultDeadline, working)

	m.mu.Lock()
	m.jobs[id] = j
	m.mu.Unlock()

	if wait {
		m.run(ctx, j)
		return j, nil
	}

	go m.run(context.Background(), j)
	return j, nil
}

// run executes a job to completion (or deadline). It acquires the
// process-wide job-concurrency slot for its whole lifetime.
func (m *Manager) run(ctx context.Context, j *Job) {
	m.sem <- struct{}{}
	defer func() { <-m.sem }()

	if m.metrics != nil {
		m.metrics.JobStarted()
	}
	start := time.Now()

	j.setStatus(StatusRunning)

	runCtx, cancel := context.WithDeadline(ctx, j.Deadline)
	defer cancel()

	onProgress := func(phase string, percent float64, details map[string]any) {
		j.setProgress(phase, percent, details)
	}
	lastIteration, lastThreshold := j.StartIteration, j.StartThreshold
	if lastThreshold <= 0 {
		lastThreshold = j.Similarity // fresh job: no iteration completed yet
	}
	onCheckpoint := func(cctx context.Context, nextIteration int, nextThreshold float64) error {
		lastIteration, lastThreshold = nextIteration, nextThreshold
		return writeCheckpoint(m.cfg.CheckpointDir, j, nextIteration, nextThreshold)
	}

	runStats, err := m.ctrl.Run(runCtx, j.ID, j.working, j.Similarity, j.Iterations, j.StartIteration, j.StartThreshold, onProgress, onCheckpoint)
	if m.metrics != nil {
		// One sample per iteration this run executed; only the last one can
		// be the iteration that stopped the loop early.
		for r := j.StartIteration; r < runStats.IterationsRun; r++ {
			m.metrics.IterationRecorded(runStats.StoppedEarly && r == runStats.IterationsRun-1)
		}
	}

	results, stats := assemble(j.working)

	var status Status
	switch {
	case err == nil:
		status = StatusSuccess
		j.finish(status, "", results, stats)
	case errors.Is(err, context.DeadlineExceeded):
		status = StatusTimeout
		j.finish(status, "timeout", results, stats)
	case errors.Is(err, context.Canceled):
		status = StatusFailure
		j.finish(status, "cancelled", results, stats)
	default:
		status = StatusFailure
		j.finish(status, err.Error(), results, stats)
	}

	if m.metrics != nil {
		m.metrics.JobFinished(string(status), time.Since(start))
	}

	_ = writeCheckpoint(m.cfg.CheckpointDir, j, lastIteration, lastThreshold)
}

// assemble builds the response results and stats from a finished (or
// timed-out) working set. Every source block appears exactly once; merged
// blocks absorbed by a later iteration are skipped in favor of their
// absorber.
func assemble(working map[string]*block.Working) ([]ResultItem, Stats) {
	var (
		results  []ResultItem
		starting int
		final    int
	)

	for _, w := range working {
		if w.Origin == block.OriginSource {
			starting++
		}
	}

	ids := make([]string, 0, len(working))
	for id := range working {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		w := working[id]
		switch w.Origin {
		case block.OriginSource:
			item := ResultItem{Type: "blockify", ID: w.ID, Hidden: w.Hidden}
			if !w.Hidden {
				b := w.Block
				item.Block = &b
				final++
			}
			results = append(results, item)
		case block.OriginMerged:
			if w.Hidden {
				continue // absorbed by a later iteration; not a final output
			}
			b := w.Block
			results = append(results, ResultItem{
				Type:        "merged",
				ID:          w.ID,
				Block:       &b,
				Hidden:      false,
				UsedParents: flattenParents(w.ID, working),
			})
			final++
		}
	}

	removed := starting - countVisibleSource(working)
	added := final - countVisibleSource(working)
	reduction := 0.0
	if starting > 0 {
		reduction = (1 - float64(final)/float64(starting)) * 100
	}

	return results, Stats{
		StartingBlockCount:    starting,
		FinalBlockCount:       final,
		BlocksRemoved:         removed,
		BlocksAdded:           added,
		BlockReductionPercent: reduction,
	}
}

func countVisibleSource(working map[string]*block.Working) int {
	n := 0
	for _, w := range working {
		if w.Origin == block.OriginSource && !w.Hidden {
			n++
		}
	}
	return n
}

// flattenParents walks id's direct parents to their transitive source-block
// closure; the working set stores direct parents only, so the response
// assembler flattens to source ids here.
func flattenParents(id string, working map[string]*block.Working) []string {
	w, ok := working[id]
	if !ok {
		return nil
	}

	seen := make(map[string]struct{})
	var walk func(string)
	walk = func(pid string) {
		pw, ok := working[pid]
		if !ok || pw.Origin == block.OriginSource {
			seen[pid] = struct{}{}
			return
		}
		for _, p := range pw.Parents {
			walk(p)
		}
	}
	for _, p := range w.Parents {
		walk(p)
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
