// Copyright 2024 The Sallyport Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"fmt"
	"math/bits"

	"github.com/BurntSushi/toml"
)

// A Config is the operator-provided session geometry, loadable from a TOML
// file. Sizes are in bytes; min_block_size must be a power of two.
type Config struct {
	ContextCount uint32 `toml:"context_count"`
	MinBlockSize uint64 `toml:"min_block_size"`
	ArenaSize    uint64 `toml:"arena_size"`
}

// Geometry converts c into a validated Geometry.
func (c *Config) Geometry() (Geometry, error) {
	if c.MinBlockSize == 0 || bits.OnesCount64(c.MinBlockSize) != 1 {
		return Geometry{}, fmt.Errorf("min_block_size %d is not a power of two", c.MinBlockSize)
	}
	g := Geometry{
		ContextCount:  c.ContextCount,
		MinBlockShift: uint32(bits.TrailingZeros64(c.MinBlockSize)),
		ArenaLen:      c.ArenaSize,
	}
	if err := g.Validate(); err != nil {
		return Geometry{}, err
	}
	return g, nil
}

// LoadConfig loads a session geometry from the TOML file at path.
func LoadConfig(path string) (Geometry, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Geometry{}, fmt.Errorf("failed to load session config %q: %v", path, err)
	}
	return c.Geometry()
}
