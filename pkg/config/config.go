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
	"fmt"
	"time"
)

// ServerConfig covers HOST/PORT/LOG_LEVEL. Struct tags are the
// mapstructure/yaml field names a config file (LoadFile) decodes into;
// env vars (Load) are wired independently below.
type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	return nil
}

// EmbeddingConfig covers the embedding provider endpoint and client tunables.
type EmbeddingConfig struct {
	ProviderURL string        `yaml:"provider_url"`
	ModelName   string        `yaml:"model_name"`
	APIKey      string        `yaml:"api_key"`
	BatchSize   int           `yaml:"batch_size"`
	MaxRetries  int           `yaml:"max_retries"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	Concurrency int           `yaml:"concurrency"` // EMBEDDING_CONCURRENCY
}

func (c *EmbeddingConfig) SetDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 1000
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = 200 * time.Millisecond
	}
	if c.Concurrency == 0 {
		c.Concurrency = 2
	}
}

func (c *EmbeddingConfig) Validate() error {
	if c.ProviderURL == "" {
		return fmt.Errorf("embedding provider URL is required")
	}
	return nil
}

// MergeConfig covers the merge provider endpoint and client tunables.
type MergeConfig struct {
	ProviderURL string        `yaml:"provider_url"`
	ModelName   string        `yaml:"model_name"`
	APIKey      string        `yaml:"api_key"`
	MaxRetries  int           `yaml:"max_retries"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	Parallelism int           `yaml:"parallelism"`
	// MaxPayloadTokens caps a single merge cluster's serialized token
	// count (MERGE_MAX_PAYLOAD_TOKENS); 0 disables the check.
	MaxPayloadTokens int `yaml:"max_payload_tokens"`
}

func (c *MergeConfig) SetDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = 200 * time.Millisecond
	}
	if c.Parallelism == 0 {
		c.Parallelism = 5
	}
}

func (c *MergeConfig) Validate() error {
	if c.ProviderURL == "" {
		return fmt.Errorf("merge provider URL is required")
	}
	return nil
}

// DistillationConfig covers the candidate-pair, clustering, merging and
// iteration tunables.
type DistillationConfig struct {
	InitialThreshold       float64 `yaml:"initial_threshold"`
	ThresholdIncrement     float64 `yaml:"threshold_increment"`      // SIMILARITY_INCREASE_PER_ITERATION
	MaxThreshold           float64 `yaml:"max_threshold"`            // MAX_SIMILARITY_THRESHOLD
	Iterations             int     `yaml:"iterations"`
	MaxClusterSize         int     `yaml:"max_cluster_size"`         // MAX_CLUSTER_SIZE_FOR_LLM
	LouvainNodeThreshold   int     `yaml:"louvain_node_threshold"`   // LOUVAIN_NODE_THRESHOLD
	UseLSH                 bool    `yaml:"use_lsh"`                  // USE_LSH
	LSHActivation          int     `yaml:"lsh_activation"`           // minimum block count before LSH kicks in
	MaxSimilarityNeighbors int     `yaml:"max_similarity_neighbors"` // MAX_SIMILARITY_NEIGHBORS, ANN query fan-out
	LLMParallelThreads     int     `yaml:"llm_parallel_threads"`     // LLM_PARALLEL_THREADS, mirrors MergeConfig.Parallelism
}

func (c *DistillationConfig) SetDefaults() {
	if c.InitialThreshold == 0 {
		c.InitialThreshold = 0.55
	}
	if c.ThresholdIncrement == 0 {
		c.ThresholdIncrement = 0.01
	}
	if c.MaxThreshold == 0 {
		c.MaxThreshold = 0.98
	}
	if c.Iterations == 0 {
		c.Iterations = 4
	}
	if c.MaxClusterSize == 0 {
		c.MaxClusterSize = 20
	}
	if c.LouvainNodeThreshold == 0 {
		c.LouvainNodeThreshold = 1000
	}
	if c.LSHActivation == 0 {
		c.LSHActivation = 50
	}
	if c.MaxSimilarityNeighbors == 0 {
		c.MaxSimilarityNeighbors = 10
	}
	if c.LLMParallelThreads == 0 {
		c.LLMParallelThreads = 5
	}
}

func (c *DistillationConfig) Validate() error {
	if c.InitialThreshold <= 0 || c.InitialThreshold > 1 {
		return fmt.Errorf("initial threshold out of range: %f", c.InitialThreshold)
	}
	if c.MaxThreshold < c.InitialThreshold {
		return fmt.Errorf("max threshold %f below initial threshold %f", c.MaxThreshold, c.InitialThreshold)
	}
	if c.Iterations <= 0 {
		return fmt.Errorf("iterations must be positive")
	}
	return nil
}

// JobConfig covers the C9 manager's concurrency and deadline tunables.
type JobConfig struct {
	MaxWorkers     int           `yaml:"max_workers"`     // MAX_WORKERS
	TimeoutSeconds time.Duration `yaml:"timeout_seconds"` // JOB_TIMEOUT_SECONDS
	CheckpointDir  string        `yaml:"checkpoint_dir"`
}

func (c *JobConfig) SetDefaults() {
	if c.MaxWorkers == 0 {
		c.MaxWorkers = 4
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 1200 * time.Second
	}
	if c.CheckpointDir == "" {
		c.CheckpointDir = "./checkpoints"
	}
}

func (c *JobConfig) Validate() error {
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("max workers must be positive")
	}
	return nil
}

// Config aggregates every section, loaded from the environment via Load or
// from a YAML file via LoadFile.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	Merge        MergeConfig        `yaml:"merge"`
	Distillation DistillationConfig `yaml:"distillation"`
	Job          JobConfig          `yaml:"job"`
}

// Load reads the full configuration from the process environment. Call
// LoadEnvFiles first to populate .env values into the environment.
func Load() (*Config, error) {
	c := &Config{
		Server: ServerConfig{
			Host:     getString("HOST", ""),
			Port:     getInt("PORT", 0),
			LogLevel: getString("LOG_LEVEL", ""),
		},
		Embedding: EmbeddingConfig{
			ProviderURL: getString("EMBEDDING_PROVIDER_URL", ""),
			ModelName:   getString("EMBEDDING_MODEL_NAME", ""),
			APIKey:      getString("EMBEDDING_API_KEY", ""),
			Concurrency: getInt("EMBEDDING_CONCURRENCY", 0),
		},
		Merge: MergeConfig{
			ProviderURL:      getString("MERGE_PROVIDER_URL", ""),
			ModelName:        getString("MERGE_MODEL_NAME", ""),
			APIKey:           getString("MERGE_API_KEY", ""),
			Parallelism:      getInt("LLM_PARALLEL_THREADS", 0),
			MaxPayloadTokens: getInt("MERGE_MAX_PAYLOAD_TOKENS", 0),
		},
		Distillation: DistillationConfig{
			ThresholdIncrement:     getFloat("SIMILARITY_INCREASE_PER_ITERATION", 0),
			MaxThreshold:           getFloat("MAX_SIMILARITY_THRESHOLD", 0),
			MaxClusterSize:         getInt("MAX_CLUSTER_SIZE_FOR_LLM", 0),
			LouvainNodeThreshold:   getInt("LOUVAIN_NODE_THRESHOLD", 0),
			UseLSH:                 getBool("USE_LSH", true),
			MaxSimilarityNeighbors: getInt("MAX_SIMILARITY_NEIGHBORS", 0),
			LLMParallelThreads:     getInt("LLM_PARALLEL_THREADS", 0),
		},
		Job: JobConfig{
			MaxWorkers:     getInt("MAX_WORKERS", 0),
			TimeoutSeconds: getDurationSeconds("JOB_TIMEOUT_SECONDS", 0),
		},
	}

	c.Server.SetDefaults()
	c.Embedding.SetDefaults()
	c.Merge.SetDefaults()
	c.Distillation.SetDefaults()
	c.Job.SetDefaults()

	if err := c.Server.Validate(); err != nil {
		return nil, err
	}
	if err := c.Distillation.Validate(); err != nil {
		return nil, err
	}
	if err := c.Job.Validate(); err != nil {
		return nil, err
	}
	if err := c.Embedding.Validate(); err != nil {
		return nil, err
	}
	if err := c.Merge.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
