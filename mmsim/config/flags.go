// Copyright 2020 The gVisor Authors.
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
	"flag"
	"fmt"
	"time"
)

// RegisterFlags registers the flags that override configuration values.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a TOML configuration file. The built-in configuration is used when empty.")
	flagSet.String("log-level", "", "log level, one of 'warning', 'info' or 'debug'. Overrides the configuration file.")
	flagSet.String("log", "", "file to write logs to, '-' for stderr. Overrides the configuration file.")
	flagSet.String("log-format", "", "log format, 'text' or 'json'. Overrides the configuration file.")
	flagSet.Duration("fault-rate-limit", 0, "minimum interval between fatal fault reports. Overrides the configuration file.")
	flagSet.Uint64("frames", 0, "number of physical frames in the pool. Overrides the configuration file.")
}

// NewFromFlags loads the configuration named by flagSet and applies the
// flags that were set explicitly.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	c := Default()
	if path := flagSet.Lookup("config").Value.String(); path != "" {
		var err error
		if c, err = Load(path); err != nil {
			return nil, err
		}
	}

	var err error
	flagSet.Visit(func(f *flag.Flag) {
		if err != nil {
			return
		}
		getter := f.Value.(flag.Getter)
		switch f.Name {
		case "log-level":
			c.Log.Level = f.Value.String()
		case "log":
			c.Log.File = f.Value.String()
		case "log-format":
			c.Log.Format = f.Value.String()
		case "fault-rate-limit":
			c.Log.FaultRateLimit = getter.Get().(time.Duration)
		case "frames":
			n := getter.Get().(uint64)
			if n == 0 {
				err = fmt.Errorf("-frames must be positive")
				return
			}
			c.Memory.EndPFN = c.Memory.StartPFN + n
		}
	})
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
