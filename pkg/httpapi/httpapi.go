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

// Package httpapi implements the HTTP surface (C10): three endpoints for
// job submission, job status, and health, plus the operational /metrics
// endpoint.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/iternal-technologies/distill-engine/pkg/block"
	"github.com/iternal-technologies/distill-engine/pkg/job"
	"github.com/iternal-technologies/distill-engine/pkg/metrics"
)

// HealthInfo is returned by GET /healthz.
type HealthInfo struct {
	Model          string
	EmbeddingModel string
	MaxClusterSize int
}

// Server wires the job manager to the HTTP surface.
type Server struct {
	manager *job.Manager
	metrics *metrics.Metrics
	health  HealthInfo
	log     *slog.Logger
}

// New builds the chi router. m may be nil (metrics disabled).
func New(manager *job.Manager, m *metrics.Metrics, health HealthInfo, log *slog.Logger) http.Handler {
	s := &Server{manager: manager, metrics: m, health: health, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.metricsMiddleware)

	r.Post("/api/autoDistill", s.handleSubmit)
	r.Get("/api/jobs/{jobId}", s.handleGetJob)
	r.Get("/healthz", s.handleHealth)
	if m != nil {
		r.Get("/metrics", m.Handler().ServeHTTP)
	}

	return r
}

// metricsMiddleware records request count and latency by chi's matched
// route pattern, not the raw path, which would blow up cardinality on
// /api/jobs/{jobId}.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		s.metrics.HTTPRequest(pattern, r.Method, http.StatusText(ww.Status()), time.Since(start))
	})
}

// submitRequest is the POST /api/autoDistill body.
type submitRequest struct {
	BlockifyTaskUUID string       `json:"blockifyTaskUUID"`
	Similarity       float64      `json:"similarity"`
	Iterations       int          `json:"iterations"`
	Results          []submitItem `json:"results"`
}

type submitItem struct {
	Type                 string         `json:"type"`
	BlockifyResultUUID   string         `json:"blockifyResultUUID"`
	BlockifiedTextResult submitBlock    `json:"blockifiedTextResult"`
	Hidden               bool           `json:"hidden"`
}

type submitBlock struct {
	Name             string `json:"name"`
	CriticalQuestion string `json:"criticalQuestion"`
	TrustedAnswer    string `json:"trustedAnswer"`
	Tags             string `json:"tags"`
	Keywords         string `json:"keywords"`
}

func (s submitBlock) toIdeaBlock() block.IdeaBlock {
	return block.IdeaBlock{
		Name:             s.Name,
		CriticalQuestion: s.CriticalQuestion,
		TrustedAnswer:    s.TrustedAnswer,
		Tags:             splitCSV(s.Tags),
		Keywords:         splitCSV(s.Keywords),
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, field := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(field); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request")
		return
	}

	inputs := make([]job.Input, 0, len(req.Results))
	for _, item := range req.Results {
		inputs = append(inputs, job.Input{
			ID:     item.BlockifyResultUUID,
			Block:  item.BlockifiedTextResult.toIdeaBlock(),
			Hidden: item.Hidden,
		})
	}

	wait := r.URL.Query().Get("wait") == "true"

	j, err := s.manager.Submit(r.Context(), inputs, req.Similarity, req.Iterations, wait)
	if err != nil {
		s.log.Warn("submit rejected", "error", err)
		writeError(w, http.StatusBadRequest, "bad_request")
		return
	}

	if !wait {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"schemaVersion": 1,
			"jobId":         j.ID,
		})
		return
	}

	writeJSON(w, http.StatusOK, resultResponse(j.Snapshot()))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	j, ok := s.manager.Get(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	snap := j.Snapshot()
	body := map[string]any{
		"schemaVersion": 1,
		"status":        snap.Status,
		"progress": map[string]any{
			"percent": snap.Progress.Percent,
			"phase":   snap.Progress.Phase,
			"details": snap.Progress.Details,
		},
	}
	if snap.ErrMsg != "" {
		body["error"] = snap.ErrMsg
	}
	if snap.Status.IsTerminal() {
		body["results"] = snap.Results
		body["stats"] = snap.Stats
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"model":            s.health.Model,
		"embedding_model":  s.health.EmbeddingModel,
		"max_cluster_size": s.health.MaxClusterSize,
	})
}

// resultResponse is the terminal (wait=true) response shape.
func resultResponse(snap job.Snapshot) map[string]any {
	return map[string]any{
		"schemaVersion": 1,
		"status":        snap.Status,
		"stats":         snap.Stats,
		"results":       snap.Results,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
