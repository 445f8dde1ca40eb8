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
	"os"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// LoadFile reads a YAML config file as an alternative to Load's
// environment-variable sourcing, for deployments that prefer one file over
// a long list of env vars. Unset fields still receive the same defaults as
// Load, and the result passes through the same Validate calls.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// UseLSH defaults to true in Load; a bool's zero value cannot mark it
	// unset, so seed it before decoding and let the file override it.
	c := &Config{Distillation: DistillationConfig{UseLSH: true}}
	if err := decodeFile(raw, c); err != nil {
		return nil, fmt.Errorf("decode config file: %w", err)
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

// decodeFile decodes a YAML-sourced map into a Config. The decode hooks
// let durations and comma-separated lists parse from plain strings.
func decodeFile(input map[string]any, out *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}
	return decoder.Decode(input)
}
