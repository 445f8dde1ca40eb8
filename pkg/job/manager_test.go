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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iternal-technologies/distill-engine/pkg/block"
	"github.com/iternal-technologies/distill-engine/pkg/controller"
	"github.com/iternal-technologies/distill-engine/pkg/embedclient"
	"github.com/iternal-technologies/distill-engine/pkg/mergeclient"
	"github.com/iternal-technologies/distill-engine/pkg/merger"
	"github.com/iternal-technologies/distill-engine/pkg/xmlcodec"
)

type fixedEmbedProvider struct {
	vectors map[string][]float32
}

func (p *fixedEmbedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := p.vectors[t]
		if !ok {
			v = []float32{0, 0, 0}
		}
		out[i] = v
	}
	return out, nil
}

type collapsingMergeProvider struct{}

func (collapsingMergeProvider) Merge(ctx context.Context, xmlPayload string) (string, error) {
	merged := block.IdeaBlock{Name: "merged", CriticalQuestion: "mq", TrustedAnswer: "ma"}
	return xmlcodec.Emit(merged), nil
}

func newTestManager(vectors map[string][]float32) *Manager {
	embed := embedclient.New(&fixedEmbedProvider{vectors: vectors}, embedclient.Config{MaxRetries: 1, BaseBackoff: time.Millisecond})
	mergeClient := mergeclient.New(collapsingMergeProvider{}, mergeclient.Config{MaxRetries: 1, BaseBackoff: time.Millisecond, Parallelism: 4})
	mrg := merger.New(mergeClient, merger.Config{MaxClusterSize: 20})
	ctrl := controller.New(embed, mrg, controller.Config{})
	return NewManager(ctrl, Config{MaxConcurrentJobs: 2, DefaultDeadline: 10 * time.Second}, nil)
}

func idea(id string) block.IdeaBlock {
	return block.IdeaBlock{Name: id, CriticalQuestion: id + "-q", TrustedAnswer: id + "-a"}
}

func TestSubmitTrivialPassthrough(t *testing.T) {
	// A single block passes through untouched with zero-delta stats.
	mgr := newTestManager(nil)
	inputs := []Input{{ID: "only", Block: idea("A")}}

	j, err := mgr.Submit(context.Background(), inputs, 0, 0, true)
	require.NoError(t, err)

	snap := j.Snapshot()
	require.Equal(t, StatusSuccess, snap.Status, "job error: %s", snap.ErrMsg)
	assert.Equal(t, Stats{StartingBlockCount: 1, FinalBlockCount: 1, BlockReductionPercent: 0}, snap.Stats)
	require.Len(t, snap.Results, 1)
	assert.Equal(t, "blockify", snap.Results[0].Type)
	assert.False(t, snap.Results[0].Hidden)
}

func TestSubmitExactDuplicateCollapses(t *testing.T) {
	// Identical content under distinct client ids collapses to one merged
	// output referencing both.
	shared := idea("dup")
	vectors := map[string][]float32{
		block.EmbeddingText(shared): {1, 0, 0},
	}
	mgr := newTestManager(vectors)
	inputs := []Input{
		{ID: "u1", Block: shared},
		{ID: "u2", Block: shared},
	}

	j, err := mgr.Submit(context.Background(), inputs, 0, 0, true)
	require.NoError(t, err)

	snap := j.Snapshot()
	require.Equal(t, StatusSuccess, snap.Status, "job error: %s", snap.ErrMsg)

	var (
		hiddenInputs int
		mergedCount  int
		usedParents  []string
	)
	for _, r := range snap.Results {
		switch r.Type {
		case "blockify":
			assert.Contains(t, []string{"u1", "u2"}, r.ID)
			if r.Hidden {
				hiddenInputs++
			}
		case "merged":
			mergedCount++
			usedParents = r.UsedParents
		}
	}
	assert.Equal(t, 2, hiddenInputs, "expected both duplicates hidden")
	assert.Equal(t, 1, mergedCount, "expected exactly 1 merged output")
	assert.Len(t, usedParents, 2)
}

func TestSubmitRejectsMissingID(t *testing.T) {
	mgr := newTestManager(nil)
	_, err := mgr.Submit(context.Background(), []Input{{Block: idea("no-id")}}, 0, 0, true)
	assert.Error(t, err)
}

func TestSubmitAsyncReturnsImmediately(t *testing.T) {
	mgr := newTestManager(nil)
	j, err := mgr.Submit(context.Background(), []Input{{ID: "a", Block: idea("a")}}, 0, 0, false)
	require.NoError(t, err)
	require.NotEmpty(t, j.ID)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := mgr.Get(j.ID); ok && got.Snapshot().Status.IsTerminal() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal status")
}

func TestSubmitDropsBlockMissingRequiredFields(t *testing.T) {
	mgr := newTestManager(nil)
	inputs := []Input{
		{ID: "good", Block: idea("good")},
		{ID: "bad", Block: block.IdeaBlock{Name: "incomplete"}},
	}
	j, err := mgr.Submit(context.Background(), inputs, 0, 0, true)
	require.NoError(t, err)

	snap := j.Snapshot()
	assert.Len(t, snap.Results, 1, "expected the incomplete block to be dropped, not the batch")
}
