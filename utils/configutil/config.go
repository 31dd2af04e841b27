/*
Copyright © 2020 Marvin

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package configutil

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/consolidb/consolidb/batch"
	"github.com/consolidb/consolidb/database/verify"
	"github.com/consolidb/consolidb/logger"
	"github.com/consolidb/consolidb/model"
	"github.com/consolidb/consolidb/utils/constant"
	"github.com/consolidb/consolidb/utils/stringutil"
)

// Config is the engine's full TOML configuration: the metadata store, the
// batch engine knobs, validation tolerances, dual-write bounds and logging.
type Config struct {
	*logger.Config   `toml:"log" json:"log"`
	*model.Database  `toml:"database" json:"database"`
	Batch            *batch.Config  `toml:"batch" json:"batch"`
	Verify           *verify.Config `toml:"verify" json:"verify"`
	DualWriteTimeout time.Duration  `toml:"dualWriteTimeout" json:"dualWriteTimeout"`
	// ValidationCrontab schedules background validation during the
	// dual-write window, empty disables the schedule.
	ValidationCrontab string `toml:"validationCrontab" json:"validationCrontab"`
	// EmbeddedDatabaseFile switches the metadata store to embedded SQLite
	// when set, used for single-process runs and pre-flight checks.
	EmbeddedDatabaseFile string `toml:"embeddedDatabaseFile" json:"embeddedDatabaseFile"`
}

func DefaultConfig() *Config {
	return &Config{
		Config: &logger.Config{
			LogLevel:   "info",
			LogFile:    "consolidb.log",
			MaxSize:    128,
			MaxDays:    7,
			MaxBackups: 30,
		},
		Database:         &model.Database{},
		Batch:            batch.DefaultConfig(),
		Verify:           verify.DefaultConfig(),
		DualWriteTimeout: constant.DefaultDualWriteTimeout,
	}
}

// ReadConfigFile decodes the TOML file over the defaults and validates the
// result.
func ReadConfigFile(file string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(file, cfg); err != nil {
		return nil, fmt.Errorf("config file [%s] decode failed: %v", file, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Batch != nil {
		if err := c.Batch.Validate(); err != nil {
			return err
		}
	}
	if c.DualWriteTimeout <= 0 {
		return fmt.Errorf("config dualWriteTimeout [%v] must be greater than zero", c.DualWriteTimeout)
	}
	if c.Database == nil && c.EmbeddedDatabaseFile == "" {
		return fmt.Errorf("config requires either a [database] section or embeddedDatabaseFile")
	}
	return nil
}

func (c *Config) String() string {
	return stringutil.MarshalJSON(c)
}
