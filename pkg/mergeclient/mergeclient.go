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

// Package mergeclient implements the LLM merge client (C3): it serializes
// 2..M IdeaBlocks to XML, sends them to an external "distill" model, and
// parses the merged XML blocks back. Failures are retried; exhaustion
// signals ErrMergeFailed so the caller can retain the original inputs
// unchanged rather than losing data.
package mergeclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iternal-technologies/distill-engine/pkg/block"
	"github.com/iternal-technologies/distill-engine/pkg/xmlcodec"
)

// ErrMergeFailed is returned when the merge model could not be coerced into
// a usable response after all retries.
var ErrMergeFailed = errors.New("merge_failed")

// ErrPayloadTooLarge is returned when a cluster's serialized XML payload
// exceeds Config.MaxPayloadTokens. Wrapped by ErrMergeFailed so callers
// that only check the latter still see it as a permanent failure.
var ErrPayloadTooLarge = errors.New("merge_payload_too_large")

// Provider sends raw XML to the external distill model and returns its raw
// XML response (possibly with surrounding chatter, parsed by xmlcodec).
type Provider interface {
	Merge(ctx context.Context, xmlPayload string) (string, error)
}

// Config holds the client tunables.
type Config struct {
	// MaxRetries is the retry cap on parse failure/empty response. Default 3.
	MaxRetries int
	// BaseBackoff is the first retry delay, doubled each attempt.
	BaseBackoff time.Duration
	// Parallelism is the global concurrent-merge-call cap. Default 5.
	Parallelism int
	// ModelName selects the tiktoken encoding used to count a payload's
	// tokens before sending it. Empty falls back to cl100k_base.
	ModelName string
	// MaxPayloadTokens caps a single merge payload's token count. 0
	// disables the check.
	MaxPayloadTokens int
}

// SetDefaults fills unset fields with their defaults.
func (c *Config) SetDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 200 * time.Millisecond
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 5
	}
}

// Client wraps a Provider with a process-global concurrency semaphore and
// retry-on-parse-failure semantics.
type Client struct {
	provider Provider
	cfg      Config
	sem      chan struct{}
	tokens   *tokenCounter
}

// New creates a merge Client. The semaphore is sized by cfg.Parallelism and
// is shared by every call made through this Client instance; construct a
// single Client per process so one large job cannot exceed the global merge
// slot budget.
func New(provider Provider, cfg Config) *Client {
	cfg.SetDefaults()
	return &Client{
		provider: provider,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.Parallelism),
		tokens:   newTokenCounter(cfg.ModelName),
	}
}

// Merge sends 2..M blocks to the external model and returns the merged
// output blocks. On exhaustion it returns ErrMergeFailed; the caller is
// expected to retain the original inputs unchanged in that case.
func (c *Client) Merge(ctx context.Context, inputs []block.IdeaBlock) ([]block.IdeaBlock, error) {
	if len(inputs) < 2 {
		return nil, fmt.Errorf("merge requires at least 2 blocks, got %d", len(inputs))
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.sem }()

	payload := xmlcodec.EmitBatch(inputs)

	if c.cfg.MaxPayloadTokens > 0 {
		if n := c.tokens.count(payload); n > c.cfg.MaxPayloadTokens {
			return nil, fmt.Errorf("%w: %w: payload is %d tokens, budget is %d", ErrMergeFailed, ErrPayloadTooLarge, n, c.cfg.MaxPayloadTokens)
		}
	}

	backoff := c.cfg.BaseBackoff
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		raw, err := c.provider.Merge(ctx, payload)
		if err == nil {
			outputs, warnings := xmlcodec.Parse(raw)
			// Per-block warnings are non-fatal; the merge succeeds as long
			// as at least one output parsed.
			for _, w := range warnings {
				slog.Warn("skipping unusable ideablock fragment in merge response", "reason", w.Reason)
			}
			if len(outputs) > 0 {
				return outputs, nil
			}
			lastErr = fmt.Errorf("%w: merge model returned no parseable blocks", ErrMergeFailed)
		} else {
			lastErr = err
		}

		if attempt == c.cfg.MaxRetries-1 {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return nil, fmt.Errorf("%w: %v", ErrMergeFailed, lastErr)
}
