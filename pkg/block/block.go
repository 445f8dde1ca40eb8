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

// Package block defines the IdeaBlock data model and its mutable working
// counterpart used throughout a distillation job.
package block

import (
	"crypto/sha256"
	"encoding/hex"
)

// Entity is a (name, type) pair extracted alongside an IdeaBlock.
type Entity struct {
	Name string `json:"entity_name"`
	Type string `json:"entity_type"`
}

// IdeaBlock is the atomic knowledge record: a self-contained question/answer
// pair with tags, keywords and entities. The three text fields are required
// and are never mutated except by a merge operation.
type IdeaBlock struct {
	Name             string   `json:"name"`
	CriticalQuestion string   `json:"criticalQuestion"`
	TrustedAnswer    string   `json:"trustedAnswer"`
	Tags             []string `json:"tags"`
	Keywords         []string `json:"keywords"`
	Entities         []Entity `json:"entities"`
}

// Origin identifies how a Working Block came to exist.
type Origin string

const (
	// OriginSource blocks are created directly from job submission.
	OriginSource Origin = "source"
	// OriginMerged blocks are produced by the hierarchical merger.
	OriginMerged Origin = "merged"
)

// Working is the mutable record paired with an IdeaBlock inside a job's
// working set.
type Working struct {
	ID        string
	Block     IdeaBlock
	Embedding []float32
	Hidden    bool
	Origin    Origin
	// Parents holds the direct parent ids for a merged block. Empty iff
	// Origin == OriginSource.
	Parents []string
}

// ContentHash returns the stable content-hash identity derived from the
// three required text fields of the block. A NUL byte separates the fields
// so that field-boundary shifts (e.g. "ab","c" vs "a","bc") cannot collide.
func ContentHash(b IdeaBlock) string {
	h := sha256.New()
	h.Write([]byte(b.Name))
	h.Write([]byte{0})
	h.Write([]byte(b.CriticalQuestion))
	h.Write([]byte{0})
	h.Write([]byte(b.TrustedAnswer))
	return hex.EncodeToString(h.Sum(nil))
}

// EmbeddingText returns the stable text used to derive a block's embedding.
// Order and spacing must never change: it is part of the embedding cache key.
func EmbeddingText(b IdeaBlock) string {
	return b.Name + " " + b.CriticalQuestion + " " + b.TrustedAnswer
}

// HasRequiredFields reports whether the three required text fields are all
// non-empty.
func (b IdeaBlock) HasRequiredFields() bool {
	return b.Name != "" && b.CriticalQuestion != "" && b.TrustedAnswer != ""
}
