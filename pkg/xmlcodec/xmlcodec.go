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

// Package xmlcodec extracts and emits the IdeaBlock XML fragments exchanged
// with the external "distill" LLM model: a single top-level <ideablock>
// with <name>, <critical_question>, <trusted_answer>, comma-separated
// <tags>/<keywords>, and zero-or-more <entity> children.
//
// The codec is deliberately tolerant: it extracts <ideablock>...</ideablock>
// fragments from arbitrary surrounding text (LLM chatter), skips a single
// malformed block rather than failing the whole batch, and silently drops
// dangling/unterminated fragments.
package xmlcodec

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/iternal-technologies/distill-engine/pkg/block"
)

// Warning describes a block that was skipped during parsing.
type Warning struct {
	Fragment string
	Reason   string
}

func (w Warning) String() string {
	frag := w.Fragment
	if len(frag) > 80 {
		frag = frag[:80] + "..."
	}
	return fmt.Sprintf("skipped ideablock fragment (%s): %q", w.Reason, frag)
}

// rawEntity mirrors the <entity> wire shape.
type rawEntity struct {
	Name string `xml:"entity_name"`
	Type string `xml:"entity_type"`
}

// rawBlock mirrors the <ideablock> wire shape.
type rawBlock struct {
	XMLName          xml.Name    `xml:"ideablock"`
	Name             string      `xml:"name"`
	CriticalQuestion string      `xml:"critical_question"`
	TrustedAnswer    string      `xml:"trusted_answer"`
	Tags             string      `xml:"tags"`
	Keywords         string      `xml:"keywords"`
	Entities         []rawEntity `xml:"entity"`
}

// Parse extracts all well-formed <ideablock> fragments from s, tolerating
// arbitrary surrounding text, whitespace, and dangling unterminated
// fragments. A fragment missing one of the three required fields is
// skipped (recorded as a Warning) rather than failing the whole call.
func Parse(s string) ([]block.IdeaBlock, []Warning) {
	fragments := extractFragments(s)

	blocks := make([]block.IdeaBlock, 0, len(fragments))
	var warnings []Warning

	for _, frag := range fragments {
		var raw rawBlock
		if err := xml.Unmarshal([]byte(frag), &raw); err != nil {
			warnings = append(warnings, Warning{Fragment: frag, Reason: "xml parse error: " + err.Error()})
			continue
		}

		b := block.IdeaBlock{
			Name:             strings.TrimSpace(raw.Name),
			CriticalQuestion: strings.TrimSpace(raw.CriticalQuestion),
			TrustedAnswer:    strings.TrimSpace(raw.TrustedAnswer),
			Tags:             splitCSV(raw.Tags),
			Keywords:         splitCSV(raw.Keywords),
		}
		for _, e := range raw.Entities {
			name := strings.TrimSpace(e.Name)
			typ := strings.TrimSpace(e.Type)
			if name == "" && typ == "" {
				continue
			}
			b.Entities = append(b.Entities, block.Entity{Name: name, Type: typ})
		}

		if !b.HasRequiredFields() {
			warnings = append(warnings, Warning{Fragment: frag, Reason: "missing required field"})
			continue
		}

		blocks = append(blocks, b)
	}

	return blocks, warnings
}

// extractFragments returns every substring delimited by a matched
// <ideablock>...</ideablock> pair. Unterminated opening tags (no matching
// close before the next open tag, or before end of input) are discarded.
func extractFragments(s string) []string {
	const (
		openTag  = "<ideablock"
		closeTag = "</ideablock>"
	)

	var frags []string
	pos := 0
	for {
		openIdx := strings.Index(s[pos:], openTag)
		if openIdx < 0 {
			break
		}
		openIdx += pos

		closeIdx := strings.Index(s[openIdx:], closeTag)
		if closeIdx < 0 {
			// Dangling fragment with no terminator anywhere in the rest
			// of the input: discard it and stop scanning.
			break
		}
		closeIdx += openIdx + len(closeTag)

		// If another open tag appears before this one's close tag, the
		// first occurrence is dangling/unterminated; skip past it and
		// resume scanning from the next open tag instead of emitting a
		// corrupt fragment.
		nextOpenIdx := strings.Index(s[openIdx+len(openTag):], openTag)
		if nextOpenIdx >= 0 && openIdx+len(openTag)+nextOpenIdx < closeIdx {
			pos = openIdx + len(openTag)
			continue
		}

		frags = append(frags, s[openIdx:closeIdx])
		pos = closeIdx
	}
	return frags
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Emit renders a single IdeaBlock as a canonical <ideablock> XML fragment
// accepted by the external merge model.
func Emit(b block.IdeaBlock) string {
	var sb strings.Builder
	sb.WriteString("<ideablock>")
	sb.WriteString("<name>")
	xml.EscapeText(&sb, []byte(b.Name))
	sb.WriteString("</name>")
	sb.WriteString("<critical_question>")
	xml.EscapeText(&sb, []byte(b.CriticalQuestion))
	sb.WriteString("</critical_question>")
	sb.WriteString("<trusted_answer>")
	xml.EscapeText(&sb, []byte(b.TrustedAnswer))
	sb.WriteString("</trusted_answer>")
	sb.WriteString("<tags>")
	xml.EscapeText(&sb, []byte(strings.Join(b.Tags, ",")))
	sb.WriteString("</tags>")
	for _, e := range b.Entities {
		sb.WriteString("<entity><entity_name>")
		xml.EscapeText(&sb, []byte(e.Name))
		sb.WriteString("</entity_name><entity_type>")
		xml.EscapeText(&sb, []byte(e.Type))
		sb.WriteString("</entity_type></entity>")
	}
	sb.WriteString("<keywords>")
	xml.EscapeText(&sb, []byte(strings.Join(b.Keywords, ",")))
	sb.WriteString("</keywords>")
	sb.WriteString("</ideablock>")
	return sb.String()
}

// EmitBatch renders multiple blocks as concatenated <ideablock> fragments,
// the wire form sent to the external merge model for a cluster/subcluster.
func EmitBatch(blocks []block.IdeaBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		sb.WriteString(Emit(b))
		sb.WriteString("\n")
	}
	return sb.String()
}
