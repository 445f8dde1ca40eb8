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
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"

	"github.com/iternal-technologies/distill-engine/pkg/block"
)

// checkpointFile is the on-disk shape persisted after each iteration:
// enough to resume without re-embedding, and without restarting the
// iteration budget from scratch. Field names are independent of the HTTP
// wire format.
type checkpointFile struct {
	JobID      string            `json:"jobId"`
	Status     Status            `json:"status"`
	Similarity float64           `json:"similarity"`
	Iterations int               `json:"iterations"`
	// Iteration and Threshold are the next loop position to run, written
	// after the prior iteration completed: a resume continues from here
	// rather than re-entering at r=0 or replaying a finished iteration.
	Iteration int       `json:"iteration"`
	Threshold float64   `json:"threshold"`
	CreatedAt time.Time `json:"createdAt"`
	Deadline  time.Time `json:"deadline"`
	// Stats is a snapshot of the before/after counts as of this
	// checkpoint, for inspection; a resumed run recomputes its own on
	// completion rather than trusting this as final.
	Stats   Stats             `json:"stats"`
	Working []checkpointEntry `json:"working"`
}

type checkpointEntry struct {
	ID        string         `json:"id"`
	Block     block.IdeaBlock `json:"block"`
	Embedding []float32      `json:"embedding,omitempty"`
	Hidden    bool           `json:"hidden"`
	Origin    block.Origin   `json:"origin"`
	Parents   []string       `json:"parents,omitempty"`
}

func checkpointPath(dir, jobID string) string {
	return filepath.Join(dir, jobID+".json")
}

// writeCheckpoint persists j's current working set and loop position via
// tempfile+rename so a crash mid-write leaves the previous checkpoint
// intact. A write failure is a fatal persistence failure. nextIteration
// and nextThreshold are the loop position a resume should continue from
// (0 and the initial threshold for a checkpoint written before any
// iteration has completed).
func writeCheckpoint(dir string, j *Job, nextIteration int, nextThreshold float64) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	_, stats := assemble(j.working)

	cp := checkpointFile{
		JobID:      j.ID,
		Status:     j.currentStatus(),
		Similarity: j.Similarity,
		Iterations: j.Iterations,
		Iteration:  nextIteration,
		Threshold:  nextThreshold,
		CreatedAt:  j.CreatedAt,
		Deadline:   j.Deadline,
		Stats:      stats,
	}
	for id, w := range j.working {
		cp.Working = append(cp.Working, checkpointEntry{
			ID:        id,
			Block:     w.Block,
			Embedding: w.Embedding,
			Hidden:    w.Hidden,
			Origin:    w.Origin,
			Parents:   w.Parents,
		})
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	return atomic.WriteFile(checkpointPath(dir, j.ID), bytes.NewReader(data))
}

// loadCheckpoints reads every *.json file in dir and returns the jobs whose
// last recorded status was non-terminal (eligible for resume).
func loadCheckpoints(dir string) ([]*Job, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}

	var jobs []*Job
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var cp checkpointFile
		if err := json.Unmarshal(data, &cp); err != nil {
			continue
		}
		if cp.Status.IsTerminal() {
			continue
		}

		working := make(map[string]*block.Working, len(cp.Working))
		for _, entry := range cp.Working {
			working[entry.ID] = &block.Working{
				ID:        entry.ID,
				Block:     entry.Block,
				Embedding: entry.Embedding,
				Hidden:    entry.Hidden,
				Origin:    entry.Origin,
				Parents:   entry.Parents,
			}
		}

		j := &Job{
			ID:             cp.JobID,
			Similarity:     cp.Similarity,
			Iterations:     cp.Iterations,
			StartIteration: cp.Iteration,
			StartThreshold: cp.Threshold,
			CreatedAt:      cp.CreatedAt,
			Deadline:       cp.Deadline,
			status:         StatusQueued,
			progress:       Progress{Phase: "resumed"},
			working:        working,
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
