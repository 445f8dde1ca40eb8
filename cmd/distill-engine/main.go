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

// Command distill-engine runs the auto-distillation HTTP service: it wires
// the embedding and merge clients to the iteration controller and job
// manager, resumes any checkpointed jobs from a prior run, and serves the
// API until told to stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/iternal-technologies/distill-engine/pkg/clusterer"
	"github.com/iternal-technologies/distill-engine/pkg/config"
	"github.com/iternal-technologies/distill-engine/pkg/controller"
	"github.com/iternal-technologies/distill-engine/pkg/embedclient"
	"github.com/iternal-technologies/distill-engine/pkg/httpapi"
	"github.com/iternal-technologies/distill-engine/pkg/job"
	"github.com/iternal-technologies/distill-engine/pkg/logger"
	"github.com/iternal-technologies/distill-engine/pkg/mergeclient"
	"github.com/iternal-technologies/distill-engine/pkg/merger"
	"github.com/iternal-technologies/distill-engine/pkg/metrics"
)

// CLI defines the command-line flags. Every flag overrides its equivalent
// config-file/env-var value; unset flags leave the loaded config alone.
type CLI struct {
	Config        string `short:"c" help:"Path to a YAML config file; when unset, configuration is read from the environment." type:"path"`
	Host          string `help:"Override the listen host."`
	Port          int    `help:"Override the listen port."`
	LogLevel      string `name:"log-level" help:"Override the log level (debug, info, warn, error)."`
	CheckpointDir string `name:"checkpoint-dir" help:"Override the checkpoint directory." type:"path"`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("distill-engine"),
		kong.Description("Runs the auto-distillation HTTP service."),
		kong.UsageOnError(),
	)

	if err := run(cli); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cli CLI) error {
	if err := config.LoadEnvFiles(); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}

	var (
		cfg *config.Config
		err error
	)
	if cli.Config != "" {
		cfg, err = config.LoadFile(cli.Config)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cli.Host != "" {
		cfg.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		cfg.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		cfg.Server.LogLevel = cli.LogLevel
	}
	if cli.CheckpointDir != "" {
		cfg.Job.CheckpointDir = cli.CheckpointDir
	}

	log := logger.New(cfg.Server.LogLevel)
	slog.SetDefault(log)

	embedProvider := embedclient.NewHTTPProvider(cfg.Embedding.ProviderURL, cfg.Embedding.APIKey, cfg.Embedding.ModelName)
	embed := embedclient.New(embedProvider, embedclient.Config{
		BatchSize:   cfg.Embedding.BatchSize,
		MaxRetries:  cfg.Embedding.MaxRetries,
		BaseBackoff: cfg.Embedding.BaseBackoff,
		Concurrency: cfg.Embedding.Concurrency,
	})

	mergeProvider := mergeclient.NewHTTPProvider(cfg.Merge.ProviderURL, cfg.Merge.APIKey, cfg.Merge.ModelName)
	mergeClient := mergeclient.New(mergeProvider, mergeclient.Config{
		MaxRetries:       cfg.Merge.MaxRetries,
		BaseBackoff:      cfg.Merge.BaseBackoff,
		Parallelism:      cfg.Merge.Parallelism,
		ModelName:        cfg.Merge.ModelName,
		MaxPayloadTokens: cfg.Merge.MaxPayloadTokens,
	})

	mrg := merger.New(mergeClient, merger.Config{
		MaxClusterSize: cfg.Distillation.MaxClusterSize,
	})

	ctrl := controller.New(embed, mrg, controller.Config{
		InitialThreshold:   cfg.Distillation.InitialThreshold,
		ThresholdIncrement: cfg.Distillation.ThresholdIncrement,
		MaxThreshold:       cfg.Distillation.MaxThreshold,
		Iterations:         cfg.Distillation.Iterations,
		LSHActivation:      cfg.Distillation.LSHActivation,
		DisableLSH:         !cfg.Distillation.UseLSH,
		Cluster: clusterer.Config{
			LouvainNodeThreshold: cfg.Distillation.LouvainNodeThreshold,
		},
	})

	m := metrics.New()

	mgr := job.NewManager(ctrl, job.Config{
		MaxConcurrentJobs: cfg.Job.MaxWorkers,
		DefaultDeadline:   cfg.Job.TimeoutSeconds,
		CheckpointDir:     cfg.Job.CheckpointDir,
	}, m)

	if err := mgr.Resume(context.Background()); err != nil {
		log.Warn("resume from checkpoints failed", "error", err)
	}

	health := httpapi.HealthInfo{
		Model:          cfg.Merge.ModelName,
		EmbeddingModel: cfg.Embedding.ModelName,
		MaxClusterSize: cfg.Distillation.MaxClusterSize,
	}
	handler := httpapi.New(mgr, m, health, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	// Drain HTTP only: jobs already running keep going until their own
	// deadline and checkpoint normally; process shutdown does not cancel
	// them.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
