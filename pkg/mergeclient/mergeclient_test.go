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

package mergeclient

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iternal-technologies/distill-engine/pkg/block"
	"github.com/iternal-technologies/distill-engine/pkg/xmlcodec"
)

type fakeProvider struct {
	calls    int32
	failN    int32
	badN     int32 // after the failN errors, answer the next badN calls with unparseable text
	response string
}

func (f *fakeProvider) Merge(ctx context.Context, xmlPayload string) (string, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failN {
		return "", errors.New("transient provider error")
	}
	if n <= f.failN+f.badN {
		return "no ideablock in this reply", nil
	}
	return f.response, nil
}

func sampleInputs() []block.IdeaBlock {
	return []block.IdeaBlock{
		{Name: "a", CriticalQuestion: "qa", TrustedAnswer: "aa"},
		{Name: "b", CriticalQuestion: "qb", TrustedAnswer: "ab"},
	}
}

func TestMergeRejectsFewerThanTwoInputs(t *testing.T) {
	c := New(&fakeProvider{}, Config{})
	_, err := c.Merge(context.Background(), sampleInputs()[:1])
	if err == nil {
		t.Fatal("expected an error for a single-input merge")
	}
}

func TestMergeParsesSuccessfulResponse(t *testing.T) {
	merged := block.IdeaBlock{Name: "ab", CriticalQuestion: "qab", TrustedAnswer: "aab"}
	p := &fakeProvider{response: xmlcodec.Emit(merged)}
	c := New(p, Config{MaxRetries: 1, BaseBackoff: time.Millisecond})

	out, err := c.Merge(context.Background(), sampleInputs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].Name != "ab" {
		t.Fatalf("unexpected merge output: %+v", out)
	}
}

func TestMergeRetriesOnUnparseableResponse(t *testing.T) {
	merged := block.IdeaBlock{Name: "ab", CriticalQuestion: "qab", TrustedAnswer: "aab"}
	p := &fakeProvider{badN: 1, response: xmlcodec.Emit(merged)}
	c := New(p, Config{MaxRetries: 3, BaseBackoff: time.Millisecond})

	out, err := c.Merge(context.Background(), sampleInputs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected a single merged output, got %d", len(out))
	}
	if p.calls != 2 {
		t.Fatalf("expected one retry (2 calls), got %d", p.calls)
	}
}

func TestMergeFailsOnEmptyResponse(t *testing.T) {
	p := &fakeProvider{response: "no parseable ideablock fragments here"}
	c := New(p, Config{MaxRetries: 2, BaseBackoff: time.Millisecond})

	_, err := c.Merge(context.Background(), sampleInputs())
	if !errors.Is(err, ErrMergeFailed) {
		t.Fatalf("expected ErrMergeFailed, got %v", err)
	}
	if p.calls != 2 {
		t.Fatalf("expected exactly MaxRetries attempts, got %d", p.calls)
	}
}

func TestMergeRejectsPayloadOverTokenBudget(t *testing.T) {
	p := &fakeProvider{response: "unused"}
	c := New(p, Config{MaxRetries: 1, BaseBackoff: time.Millisecond, MaxPayloadTokens: 1})

	_, err := c.Merge(context.Background(), sampleInputs())
	if !errors.Is(err, ErrMergeFailed) || !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrMergeFailed wrapping ErrPayloadTooLarge, got %v", err)
	}
	if p.calls != 0 {
		t.Fatalf("expected the provider never to be called once over budget, got %d calls", p.calls)
	}
}

func TestMergeRespectsGlobalParallelism(t *testing.T) {
	merged := block.IdeaBlock{Name: "ab", CriticalQuestion: "qab", TrustedAnswer: "aab"}
	p := &fakeProvider{response: xmlcodec.Emit(merged)}
	c := New(p, Config{MaxRetries: 1, BaseBackoff: time.Millisecond, Parallelism: 1})

	if len(c.sem) != 0 || cap(c.sem) != 1 {
		t.Fatalf("expected semaphore capacity 1, got cap=%d", cap(c.sem))
	}

	if _, err := c.Merge(context.Background(), sampleInputs()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.sem) != 0 {
		t.Fatal("semaphore slot should be released after Merge returns")
	}
}
