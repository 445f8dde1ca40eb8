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

// Package embedclient implements the embedding client (C2): batching texts
// to an external embedding provider, L2-normalizing the results, retrying
// transient failures with exponential backoff and jitter, and caching
// vectors by content-addressed key so re-embedding is never required for a
// text the process has already seen.
package embedclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrEmbeddingFailure is returned when the provider is exhausted after all
// retries. It is a job-aborting, permanent failure.
var ErrEmbeddingFailure = errors.New("embedding_failure")

// Provider is the minimal interface an embedding backend must satisfy. A
// single call embeds one batch of texts (already capped to BatchSize by the
// Client) and must preserve input order in its result.
type Provider interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Config holds the client tunables.
type Config struct {
	// BatchSize is the maximum texts per provider call. Default 1000.
	BatchSize int
	// MaxRetries is the retry cap for transient failures. Default 5.
	MaxRetries int
	// BaseBackoff is the first retry delay; doubled each subsequent
	// attempt and jittered by +/-50%.
	BaseBackoff time.Duration
	// Concurrency bounds how many provider batch calls may be in flight
	// at once, typically 1-2 to respect a provider's own concurrency
	// limits. Default 2.
	Concurrency int
}

// SetDefaults fills unset fields with their defaults.
func (c *Config) SetDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 200 * time.Millisecond
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
}

// Client wraps a Provider with batching, retries, normalization and a
// process-wide content-addressed cache.
type Client struct {
	provider Provider
	cfg      Config
	// sem is the embedding semaphore, shared by every Embed call on this
	// Client so concurrent jobs together stay within Concurrency.
	sem chan struct{}

	cacheMu sync.RWMutex
	cache   map[string][]float32
}

// New creates an embedding Client.
func New(provider Provider, cfg Config) *Client {
	cfg.SetDefaults()
	return &Client{
		provider: provider,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.Concurrency),
		cache:    make(map[string][]float32),
	}
}

// cacheKey is the sha256 of the embedding text. The cache is
// content-addressed, so entries never need invalidation.
func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Embed embeds a slice of texts, returning one unit-normalized vector per
// input in the same order. Results already present in the cache are served
// without a provider call; everything else is batched into groups of at
// most BatchSize and sent to the provider with retries.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	keys := make([]string, len(texts))

	var missingIdx []int
	for i, t := range texts {
		k := cacheKey(t)
		keys[i] = k
		c.cacheMu.RLock()
		v, ok := c.cache[k]
		c.cacheMu.RUnlock()
		if ok {
			out[i] = v
			continue
		}
		missingIdx = append(missingIdx, i)
	}

	var batches [][]int
	for start := 0; start < len(missingIdx); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(missingIdx) {
			end = len(missingIdx)
		}
		batches = append(batches, missingIdx[start:end])
	}

	// Batches fan out concurrently, bounded by the embedding semaphore;
	// each batch writes to disjoint positions of out, so no further
	// synchronization is needed beyond the cache's own lock.
	g, gctx := errgroup.WithContext(ctx)
	for _, batchIdx := range batches {
		batchIdx := batchIdx
		select {
		case c.sem <- struct{}{}:
		case <-gctx.Done():
			return nil, gctx.Err()
		}
		g.Go(func() error {
			defer func() { <-c.sem }()

			batchTexts := make([]string, len(batchIdx))
			for j, idx := range batchIdx {
				batchTexts[j] = texts[idx]
			}

			vectors, err := c.embedBatchWithRetry(gctx, batchTexts)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrEmbeddingFailure, err)
			}
			if len(vectors) != len(batchTexts) {
				return fmt.Errorf("%w: provider returned %d vectors for %d texts", ErrEmbeddingFailure, len(vectors), len(batchTexts))
			}

			for j, idx := range batchIdx {
				v := normalize(vectors[j])
				out[idx] = v
				c.cacheMu.Lock()
				c.cache[keys[idx]] = v
				c.cacheMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *Client) embedBatchWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	backoff := c.cfg.BaseBackoff

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		vectors, err := c.provider.EmbedBatch(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err

		if attempt == c.cfg.MaxRetries-1 {
			break
		}

		jitter := time.Duration(rand.Int64N(int64(backoff))) - backoff/2
		wait := backoff + jitter
		if wait < 0 {
			wait = backoff
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}

	return nil, lastErr
}

// normalize returns the L2-unit vector of v. A zero vector is returned
// unchanged (there is no meaningful direction to normalize to).
func normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return v
	}
	norm := math.Sqrt(sumSq)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
