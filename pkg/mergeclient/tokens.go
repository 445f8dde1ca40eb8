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
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// tokenCounter counts a merge payload's tokens the way the external model
// will, so an oversized cluster can be rejected before an expensive round
// trip instead of after. Encodings are cached per model name since building
// one is not cheap.
type tokenCounter struct {
	encoding *tiktoken.Tiktoken
}

var (
	encodingCacheMu sync.RWMutex
	encodingCache   = make(map[string]*tiktoken.Tiktoken)
)

// newTokenCounter builds (or reuses a cached) encoding for model, falling
// back to cl100k_base when tiktoken doesn't recognize model directly. A nil
// return disables budget checking entirely rather than failing merges
// outright.
func newTokenCounter(model string) *tokenCounter {
	encodingCacheMu.RLock()
	enc, ok := encodingCache[model]
	encodingCacheMu.RUnlock()
	if ok {
		return &tokenCounter{encoding: enc}
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil
		}
	}

	encodingCacheMu.Lock()
	encodingCache[model] = enc
	encodingCacheMu.Unlock()
	return &tokenCounter{encoding: enc}
}

// count returns the payload's token length, or 0 if no encoding could be
// built.
func (tc *tokenCounter) count(text string) int {
	if tc == nil || tc.encoding == nil {
		return 0
	}
	return len(tc.encoding.Encode(text, nil, nil))
}
