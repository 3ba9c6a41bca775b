// Copyright 2026 The go-optiga Authors.
// SPDX-License-Identifier: Apache-2.0
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

package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// toolConfig holds the settings shared by all subcommands.
type toolConfig struct {
	Bus   string
	Debug bool
}

// fileConfig is the on-disk TOML shape.
type fileConfig struct {
	Bus   string `toml:"bus"`
	Debug bool   `toml:"debug"`
}

func defaultConfig() toolConfig {
	return toolConfig{
		Bus: "/dev/i2c-1",
	}
}

// loadConfig reads a TOML config file, leaving defaults in place for keys the
// file does not define. A missing file at the default path is not an error.
func loadConfig(path string, mustExist bool) (toolConfig, error) {
	cfg := defaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) && !mustExist {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return toolConfig{}, fmt.Errorf("load config %s: %w", path, err)
	}

	if meta.IsDefined("bus") {
		cfg.Bus = raw.Bus
	}
	if meta.IsDefined("debug") {
		cfg.Debug = raw.Debug
	}
	return cfg, nil
}
