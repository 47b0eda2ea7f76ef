// Copyright 2018 The gVisor Authors.
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

// Package cli is the main entrypoint for mmsim.
package cli

import (
	"context"
	"flag"
	"io"
	"os"

	"github.com/google/subcommands"

	"gvisor.dev/sv39/mmsim/cmd"
	"gvisor.dev/sv39/mmsim/config"
	"gvisor.dev/sv39/pkg/log"
	"gvisor.dev/sv39/pkg/sentry/mm"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf("%v", err)
	}

	// The level and format were checked by NewFromFlags.
	level, _ := log.ParseLevel(conf.Log.Level)
	logFile, err := log.OpenFile(conf.Log.File)
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	log.SetTarget(newEmitter(conf.Log.Format, logFile))
	log.SetLevel(level)

	// The fault logger binds to the global logger when created, so it must
	// follow SetTarget.
	mm.SetFaultLogger(log.BasicRateLimitedLogger(conf.Log.FaultRateLimit))

	log.Debugf("mmsim started, args: %s", os.Args)
	log.Debugf("Memory: [%#x, %#x), %d tasks", conf.Memory.StartPFN, conf.Memory.EndPFN, len(conf.Tasks))

	subcmdCode := subcommands.Execute(context.Background(), conf)
	if subcmdCode == subcommands.ExitSuccess {
		log.Infof("Exiting with status: %v", subcmdCode)
		os.Exit(0)
	}
	// Return an error that is unlikely to be used by the application.
	log.Warningf("Failure to execute command, err: %v", subcmdCode)
	os.Exit(128)
}

// forEachCmd invokes the passed callback for each command supported by mmsim.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Run), "")
	cb(new(cmd.Maps), "")
	cb(new(cmd.Version), "")
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	}
	cmd.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}
