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

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/iternal-technologies/distill-engine/pkg/block"
	"github.com/iternal-technologies/distill-engine/pkg/controller"
	"github.com/iternal-technologies/distill-engine/pkg/embedclient"
	"github.com/iternal-technologies/distill-engine/pkg/job"
	"github.com/iternal-technologies/distill-engine/pkg/logger"
	"github.com/iternal-technologies/distill-engine/pkg/mergeclient"
	"github.com/iternal-technologies/distill-engine/pkg/merger"
	"github.com/iternal-technologies/distill-engine/pkg/xmlcodec"
)

type noopEmbedProvider struct{}

func (noopEmbedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type noopMergeProvider struct{}

func (noopMergeProvider) Merge(ctx context.Context, xmlPayload string) (string, error) {
	return xmlcodec.Emit(block.IdeaBlock{Name: "merged", CriticalQuestion: "mq", TrustedAnswer: "ma"}), nil
}

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	embed := embedclient.New(noopEmbedProvider{}, embedclient.Config{MaxRetries: 1, BaseBackoff: time.Millisecond})
	mergeClient := mergeclient.New(noopMergeProvider{}, mergeclient.Config{MaxRetries: 1, BaseBackoff: time.Millisecond})
	mrg := merger.New(mergeClient, merger.Config{})
	ctrl := controller.New(embed, mrg, controller.Config{})
	mgr := job.NewManager(ctrl, job.Config{DefaultDeadline: 10 * time.Second}, nil)

	handler := New(mgr, nil, HealthInfo{Model: "test-model", EmbeddingModel: "test-embed", MaxClusterSize: 20}, logger.New("error"))
	return httptest.NewServer(handler)
}

func TestHealthz(t *testing.T) {
	srv := testServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body["status"] != "ok" || body["model"] != "test-model" {
		t.Fatalf("unexpected health body: %+v", body)
	}
}

func TestSubmitWaitTrueReturnsResults(t *testing.T) {
	srv := testServer(t)
	defer srv.Close()

	reqBody := map[string]any{
		"blockifyTaskUUID": "task-1",
		"results": []map[string]any{
			{
				"type":               "blockify",
				"blockifyResultUUID": "b1",
				"blockifiedTextResult": map[string]string{
					"name": "A", "criticalQuestion": "q?", "trustedAnswer": "a",
				},
			},
		},
	}
	raw, _ := json.Marshal(reqBody)

	resp, err := http.Post(srv.URL+"/api/autoDistill?wait=true", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body["status"] != "success" {
		t.Fatalf("expected success status, got %+v", body)
	}
}

func TestSubmitWaitFalseReturnsJobID(t *testing.T) {
	srv := testServer(t)
	defer srv.Close()

	reqBody := map[string]any{
		"blockifyTaskUUID": "task-2",
		"results": []map[string]any{
			{
				"type":               "blockify",
				"blockifyResultUUID": "b1",
				"blockifiedTextResult": map[string]string{
					"name": "A", "criticalQuestion": "q?", "trustedAnswer": "a",
				},
			},
		},
	}
	raw, _ := json.Marshal(reqBody)

	resp, err := http.Post(srv.URL+"/api/autoDistill?wait=false", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	jobID, _ := body["jobId"].(string)
	if jobID == "" {
		t.Fatal("expected a non-empty jobId")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(srv.URL + "/api/jobs/" + jobID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var statusBody map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&statusBody)
		resp.Body.Close()
		if statusBody["status"] == "success" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never reached success via GET /api/jobs/{jobId}")
}

func TestGetUnknownJobReturns404(t *testing.T) {
	srv := testServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/jobs/does-not-exist")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestSubmitMalformedBodyReturns400(t *testing.T) {
	srv := testServer(t)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/autoDistill", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
