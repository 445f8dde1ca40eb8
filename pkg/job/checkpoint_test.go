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
	"testing"
	"time"

	"github.com/iternal-technologies/distill-engine/pkg/block"
)

func TestCheckpointRoundTripPersistsIterationAndThreshold(t *testing.T) {
	dir := t.TempDir()

	now := time.Now()
	j := &Job{
		ID:         "job-1",
		Similarity: 0.55,
		Iterations: 4,
		CreatedAt:  now,
		Deadline:   now.Add(time.Minute),
		status:     StatusRunning,
		working: map[string]*block.Working{
			"a": {ID: "a", Block: block.IdeaBlock{Name: "a", CriticalQuestion: "q", TrustedAnswer: "ans"}, Origin: block.OriginSource},
		},
	}

	// The job completed iterations 0 and 1; the checkpoint records the
	// next position to run: iteration 2 at threshold 0.57.
	if err := writeCheckpoint(dir, j, 2, 0.57); err != nil {
		t.Fatalf("writeCheckpoint: %v", err)
	}

	resumed, err := loadCheckpoints(dir)
	if err != nil {
		t.Fatalf("loadCheckpoints: %v", err)
	}
	if len(resumed) != 1 {
		t.Fatalf("expected 1 resumed job, got %d", len(resumed))
	}

	got := resumed[0]
	if got.StartIteration != 2 {
		t.Fatalf("expected the resumed job to continue at iteration 2, got %d", got.StartIteration)
	}
	if got.StartThreshold != 0.57 {
		t.Fatalf("expected the resumed job to continue at threshold 0.57, got %f", got.StartThreshold)
	}
	if got.Iterations != 4 {
		t.Fatalf("expected the original iteration budget to survive, got %d", got.Iterations)
	}
	if _, ok := got.working["a"]; !ok {
		t.Fatal("expected the working set to round-trip")
	}
}

func TestLoadCheckpointsSkipsTerminalJobs(t *testing.T) {
	dir := t.TempDir()

	now := time.Now()
	j := &Job{
		ID:         "job-done",
		Similarity: 0.55,
		Iterations: 4,
		CreatedAt:  now,
		Deadline:   now.Add(time.Minute),
		status:     StatusSuccess,
		working:    map[string]*block.Working{},
	}
	if err := writeCheckpoint(dir, j, 4, 0.59); err != nil {
		t.Fatalf("writeCheckpoint: %v", err)
	}

	resumed, err := loadCheckpoints(dir)
	if err != nil {
		t.Fatalf("loadCheckpoints: %v", err)
	}
	if len(resumed) != 0 {
		t.Fatalf("expected terminal jobs to be excluded from resume, got %d", len(resumed))
	}
}
