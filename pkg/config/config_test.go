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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDistillationConfigDefaults(t *testing.T) {
	var c DistillationConfig
	c.SetDefaults()

	if c.InitialThreshold != 0.55 {
		t.Fatalf("expected default initial threshold 0.55, got %f", c.InitialThreshold)
	}
	if c.ThresholdIncrement != 0.01 {
		t.Fatalf("expected default increment 0.01, got %f", c.ThresholdIncrement)
	}
	if c.MaxThreshold != 0.98 {
		t.Fatalf("expected default max threshold 0.98, got %f", c.MaxThreshold)
	}
	if c.Iterations != 4 {
		t.Fatalf("expected default iterations 4, got %d", c.Iterations)
	}
	if c.MaxClusterSize != 20 {
		t.Fatalf("expected default max cluster size 20, got %d", c.MaxClusterSize)
	}
	if c.LouvainNodeThreshold != 1000 {
		t.Fatalf("expected default louvain threshold 1000, got %d", c.LouvainNodeThreshold)
	}
	if c.LSHActivation != 50 {
		t.Fatalf("expected default LSH activation 50, got %d", c.LSHActivation)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestDistillationConfigValidateRejectsOutOfRangeThreshold(t *testing.T) {
	c := DistillationConfig{InitialThreshold: 1.5, MaxThreshold: 2, Iterations: 1}
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for an initial threshold above 1.0")
	}
}

func TestDistillationConfigValidateRejectsMaxBelowInitial(t *testing.T) {
	c := DistillationConfig{InitialThreshold: 0.8, MaxThreshold: 0.5, Iterations: 1}
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error when max threshold is below initial threshold")
	}
}

func TestJobConfigDefaults(t *testing.T) {
	var c JobConfig
	c.SetDefaults()
	if c.MaxWorkers != 4 {
		t.Fatalf("expected default max workers 4, got %d", c.MaxWorkers)
	}
	if c.CheckpointDir == "" {
		t.Fatal("expected a default checkpoint dir")
	}
}

func TestEmbeddingConfigDefaults(t *testing.T) {
	var c EmbeddingConfig
	c.SetDefaults()
	if c.Concurrency != 2 {
		t.Fatalf("expected default embedding concurrency 2, got %d", c.Concurrency)
	}
	if c.BatchSize != 1000 {
		t.Fatalf("expected default batch size 1000, got %d", c.BatchSize)
	}
}

func TestServerConfigValidateRejectsBadPort(t *testing.T) {
	c := ServerConfig{Port: 70000}
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for an out-of-range port")
	}
}

func TestLoadFileDecodesYAMLAndAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlDoc := `
server:
  host: 127.0.0.1
  port: 9090
embedding:
  provider_url: http://embed.local
merge:
  provider_url: http://merge.local
  max_payload_tokens: 8000
distillation:
  iterations: 6
job:
  checkpoint_dir: /tmp/checkpoints
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9090 {
		t.Fatalf("expected overridden server section, got %+v", cfg.Server)
	}
	if cfg.Merge.MaxPayloadTokens != 8000 {
		t.Fatalf("expected max_payload_tokens 8000, got %d", cfg.Merge.MaxPayloadTokens)
	}
	if cfg.Distillation.Iterations != 6 {
		t.Fatalf("expected overridden iterations 6, got %d", cfg.Distillation.Iterations)
	}
	// LouvainNodeThreshold was left unset in the file; SetDefaults must
	// still have filled it in.
	if cfg.Distillation.LouvainNodeThreshold != 1000 {
		t.Fatalf("expected default louvain threshold to survive file decoding, got %d", cfg.Distillation.LouvainNodeThreshold)
	}
}

func TestLoadFileRejectsMissingProviderURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 8080\n"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected an error for a config file missing required provider URLs")
	}
}
