// Copyright 2025 The prestosql Authors.
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

package config

import (
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"github.com/javainthinking/prestosql/util/logutil"
	"github.com/pingcap/errors"
)

// Config contains configuration options.
type Config struct {
	Log      Log      `toml:"log" json:"log"`
	Resource Resource `toml:"resource" json:"resource"`
}

// Log is the log section of config.
type Log struct {
	// Log level.
	Level string `toml:"level" json:"level"`
	// Log format. one of json, text, or console.
	Format string `toml:"format" json:"format"`
	// Disable automatic timestamps in output.
	DisableTimestamp bool `toml:"disable-timestamp" json:"disable-timestamp"`
	// File log config.
	File logutil.FileLogConfig `toml:"file" json:"file"`
}

// Resource is the resource accounting section of the config.
type Resource struct {
	// MemoryPoolCapacity is the capacity in bytes of the shared memory pool.
	// "<= 0" means no limit.
	MemoryPoolCapacity int64 `toml:"memory-pool-capacity" json:"memory-pool-capacity"`
	// SpillQuota is the per-task spill budget in bytes. Exceeding it is
	// logged, not enforced. "<= 0" means no limit.
	SpillQuota int64 `toml:"spill-quota" json:"spill-quota"`
}

var defaultConf = Config{
	Log: Log{
		Level:  "info",
		Format: logutil.DefaultLogFormat,
	},
	Resource: Resource{
		MemoryPoolCapacity: 32 << 30,
		SpillQuota:         0,
	},
}

var globalConf atomic.Value

func init() {
	conf := defaultConf
	globalConf.Store(&conf)
}

// NewConfig creates a new config instance with default value.
func NewConfig() *Config {
	conf := defaultConf
	return &conf
}

// GetGlobalConfig returns the global configuration for this server.
// It should store configuration from command line and configuration file.
// Other parts of the system can read the global configuration use this function.
func GetGlobalConfig() *Config {
	return globalConf.Load().(*Config)
}

// StoreGlobalConfig stores a new config to the globalConf.
func StoreGlobalConfig(config *Config) {
	globalConf.Store(config)
}

// Load loads config options from a toml file.
func (c *Config) Load(confFile string) error {
	_, err := toml.DecodeFile(confFile, c)
	return errors.Trace(err)
}
