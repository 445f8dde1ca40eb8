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

// Package job implements the job manager (C9): it assigns job ids, drives
// the iteration controller to completion, enforces the per-job deadline,
// checkpoints progress for crash recovery, and assembles the final
// response. The state machine is the single linear lifecycle this engine
// needs (queued -> running -> terminal): no human-in-the-loop pause
// states, no cancellation endpoint.
package job

import (
	"sync"
	"time"

	"github.com/iternal-technologies/distill-engine/pkg/block"
	"github.com/iternal-technologies/distill-engine/pkg/controller"
)

// Status is a job's position in its lifecycle.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusTimeout Status = "timeout"
)

// IsTerminal reports whether s admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusTimeout:
		return true
	}
	return false
}

// Progress is the job's current position within its run.
type Progress struct {
	Percent float64        `json:"percent"`
	Phase   string         `json:"phase"`
	Details map[string]any `json:"details,omitempty"`
}

// Input is one submitted block, keyed by the caller's own id, preserved
// verbatim as the block's working-set id so the response can echo it back
// unchanged.
type Input struct {
	ID     string
	Block  block.IdeaBlock
	Hidden bool
}

// ResultItem is one row of a job's output list.
type ResultItem struct {
	Type        string           `json:"type"`
	ID          string           `json:"blockifyResultUUID"`
	Block       *block.IdeaBlock `json:"blockifiedTextResult,omitempty"`
	Hidden      bool             `json:"hidden"`
	UsedParents []string         `json:"blockifyResultsUsed,omitempty"`
}

// Stats summarizes the before/after block counts.
type Stats struct {
	StartingBlockCount    int     `json:"startingBlockCount"`
	FinalBlockCount       int     `json:"finalBlockCount"`
	BlocksRemoved         int     `json:"blocksRemoved"`
	BlocksAdded           int     `json:"blocksAdded"`
	BlockReductionPercent float64 `json:"blockReductionPercent"`
}

// Job is one submitted distillation run. All mutation goes through the
// methods below, which hold mu for the duration; the manager's own
// goroutine is the only writer, HTTP handlers are readers.
type Job struct {
	ID         string
	Similarity float64
	Iterations int
	// StartIteration and StartThreshold are the next iteration a resumed
	// job runs and the threshold it uses; zero for a freshly submitted
	// job, restored from the checkpoint file by loadCheckpoints otherwise.
	StartIteration int
	StartThreshold float64
	CreatedAt      time.Time
	Deadline       time.Time

	mu       sync.RWMutex
	status   Status
	progress Progress
	errMsg   string
	results  []ResultItem
	stats    Stats

	working map[string]*block.Working
}

func newJob(id string, similarity float64, iterations int, deadline time.Duration, working map[string]*block.Working) *Job {
	now := time.Now()
	return &Job{
		ID:         id,
		Similarity: similarity,
		Iterations: iterations,
		CreatedAt:  now,
		Deadline:   now.Add(deadline),
		status:     StatusQueued,
		progress:   Progress{Percent: 0, Phase: "queued"},
		working:    working,
	}
}

// Snapshot is a read-only copy of a job's externally visible state.
type Snapshot struct {
	ID       string
	Status   Status
	Progress Progress
	ErrMsg   string
	Results  []ResultItem
	Stats    Stats
}

func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return Snapshot{
		ID:       j.ID,
		Status:   j.status,
		Progress: j.progress,
		ErrMsg:   j.errMsg,
		Results:  j.results,
		Stats:    j.stats,
	}
}

func (j *Job) currentStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

func (j *Job) setStatus(s Status) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = s
}

func (j *Job) setProgress(phase string, percent float64, details map[string]any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if percent < 0 {
		percent = j.progress.Percent // phase-only update, keep last percent
	}
	if percent > 99 {
		percent = 99
	}
	j.progress = Progress{Percent: percent, Phase: phase, Details: details}
}

func (j *Job) finish(status Status, errMsg string, results []ResultItem, stats Stats) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = status
	j.errMsg = errMsg
	j.results = results
	j.stats = stats
	percent := 99.0
	if status == StatusSuccess {
		percent = 100
	}
	j.progress = Progress{Percent: percent, Phase: controller.PhaseFinalizing}
}

// working is only ever touched by the single goroutine running this job
// (see manager.go's run); it is not guarded by mu because no other
// goroutine reads or writes it before the job reaches a terminal status.
