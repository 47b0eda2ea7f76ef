// Copyright 2024 The gVisor Authors.
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

// Package config holds the configuration of an mmsim run: the physical
// memory pool, the kernel layout, logging, and the tasks to replay.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"

	"gvisor.dev/sv39/pkg/hostarch"
	"gvisor.dev/sv39/pkg/log"
	"gvisor.dev/sv39/pkg/sentry/kernel"
	"gvisor.dev/sv39/pkg/sentry/mm"
)

// maxFrames bounds the size of the simulated memory pool.
const maxFrames = 1 << 20

// Config is the configuration of a run.
type Config struct {
	Memory Memory `toml:"memory" yaml:"memory"`
	Kernel Kernel `toml:"kernel" yaml:"kernel"`
	Log    Log    `toml:"log" yaml:"log"`
	Tasks  []Task `toml:"task" yaml:"task"`
}

// Memory is the pool of physical frames, [StartPFN, EndPFN).
type Memory struct {
	StartPFN uint64 `toml:"start_pfn" yaml:"start_pfn"`
	EndPFN   uint64 `toml:"end_pfn" yaml:"end_pfn"`
}

// Kernel describes the kernel's share of every address space.
type Kernel struct {
	TrampolinePFN uint64     `toml:"trampoline_pfn" yaml:"trampoline_pfn"`
	RootPFN       uint64     `toml:"root_pfn" yaml:"root_pfn"`
	TrapHandler   uint64     `toml:"trap_handler" yaml:"trap_handler"`
	TrapReturn    uint64     `toml:"trap_return" yaml:"trap_return"`
	Identity      []Identity `toml:"identity" yaml:"identity"`
}

// Identity is a range of pages mapped 1:1, [Start, End).
type Identity struct {
	Start uint64 `toml:"start" yaml:"start"`
	End   uint64 `toml:"end" yaml:"end"`
	Perms string `toml:"perms" yaml:"perms"`
}

// Log configures logging.
type Log struct {
	// Level is one of "warning", "info" or "debug".
	Level string `toml:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" yaml:"format"`

	// File receives log output. Empty or "-" means stderr.
	File string `toml:"file" yaml:"file"`

	// FaultRateLimit is the minimum interval between reports of fatal user
	// faults.
	FaultRateLimit time.Duration `toml:"fault_rate_limit" yaml:"fault_rate_limit"`
}

// Task is a task to create and the accesses to replay against it.
type Task struct {
	Name string `toml:"name" yaml:"name"`

	// Count is the number of replicas to run.
	Count      int       `toml:"count" yaml:"count"`
	Entry      uint64    `toml:"entry" yaml:"entry"`
	Image      []Segment `toml:"image" yaml:"image"`
	StackPages uint64    `toml:"stack_pages" yaml:"stack_pages"`
	HeapPages  uint64    `toml:"heap_pages" yaml:"heap_pages"`
	Access     []Access  `toml:"access" yaml:"access"`
}

// Segment is one segment of a task's image.
type Segment struct {
	Addr  uint64 `toml:"addr" yaml:"addr"`
	Size  uint64 `toml:"size" yaml:"size"`
	Perms string `toml:"perms" yaml:"perms"`
	Data  string `toml:"data" yaml:"data"`
}

// Access kinds.
const (
	AccessRead    = "r"
	AccessWrite   = "w"
	AccessExecute = "x"
	AccessBrk     = "brk"
)

// Access is one step of a task's script.
type Access struct {
	// Kind is one of the Access constants.
	Kind string `toml:"kind" yaml:"kind"`

	// Addr is the accessed address, for r, w and x.
	Addr uint64 `toml:"addr" yaml:"addr"`

	// Brk is the requested program break, for brk.
	Brk uint64 `toml:"brk" yaml:"brk"`
}

// AccessType returns the access type of a memory access.
func (a *Access) AccessType() (hostarch.AccessType, bool) {
	switch a.Kind {
	case AccessRead:
		return hostarch.Read, true
	case AccessWrite:
		return hostarch.Write, true
	case AccessExecute:
		return hostarch.Execute, true
	default:
		return hostarch.NoAccess, false
	}
}

// Default returns the configuration used when no file is given: a 32 MiB
// pool above a 2 MiB identity-mapped kernel image, and one task that uses
// its stack and heap.
func Default() *Config {
	return &Config{
		Memory: Memory{StartPFN: 0x80400, EndPFN: 0x82400},
		Kernel: Kernel{
			TrampolinePFN: 0x80200,
			RootPFN:       0x80300,
			TrapHandler:   0x80201000,
			TrapReturn:    0x80201100,
			Identity: []Identity{
				{Start: 0x80000, End: 0x80200, Perms: "rx"},
				{Start: 0x80200, End: 0x80400, Perms: "rw"},
			},
		},
		Log: Log{
			Level:          "info",
			Format:         "text",
			FaultRateLimit: mm.DefaultFaultLogInterval,
		},
		Tasks: []Task{{
			Name:  "init",
			Count: 1,
			Entry: 0x10000,
			Image: []Segment{
				{Addr: 0x10000, Size: 0x1000, Perms: "rx", Data: "\x13\x05\xa0\x02\x73\x00\x00\x00"},
				{Addr: 0x11000, Size: 0x2000, Perms: "rw", Data: "hello"},
			},
			StackPages: 8,
			Access: []Access{
				{Kind: AccessExecute, Addr: 0x10000},
				{Kind: AccessWrite, Addr: 0x1bff8},
				{Kind: AccessBrk, Brk: 0x1e000},
				{Kind: AccessWrite, Addr: 0x1d000},
				{Kind: AccessRead, Addr: 0x1d008},
				{Kind: AccessBrk, Brk: 0x1c000},
			},
		}},
	}
}

// Load reads the configuration at path, which is YAML if its extension is
// .yaml or .yml and TOML otherwise. Unset fields take their values from
// Default, except for the task list.
func Load(path string) (*Config, error) {
	c := Default()
	c.Tasks = nil
	var err error
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = c.decodeYAML(path)
	default:
		err = c.decodeTOML(path)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %q: %w", path, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %q: %w", path, err)
	}
	return c, nil
}

func (c *Config) decodeTOML(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown keys %v", undecoded)
	}
	return nil
}

func (c *Config) decodeYAML(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	return dec.Decode(c)
}

func (c *Config) applyDefaults() {
	for i := range c.Tasks {
		if c.Tasks[i].Count == 0 {
			c.Tasks[i].Count = 1
		}
	}
}

// Validate checks c for errors that would prevent a run.
func (c *Config) Validate() error {
	if c.Memory.StartPFN >= c.Memory.EndPFN {
		return fmt.Errorf("memory: empty frame range [%#x, %#x)", c.Memory.StartPFN, c.Memory.EndPFN)
	}
	if c.Memory.EndPFN-c.Memory.StartPFN > maxFrames {
		return fmt.Errorf("memory: %d frames exceeds the limit of %d", c.Memory.EndPFN-c.Memory.StartPFN, maxFrames)
	}
	if c.Memory.EndPFN > uint64(hostarch.MaxPFN)+1 {
		return fmt.Errorf("memory: frame %#x beyond the physical address space", c.Memory.EndPFN)
	}
	if _, err := c.KernelLayout(); err != nil {
		return fmt.Errorf("kernel: %w", err)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log: invalid format %q, must be 'text' or 'json'", c.Log.Format)
	}
	if c.Log.FaultRateLimit <= 0 {
		return fmt.Errorf("log: fault_rate_limit must be positive, got %v", c.Log.FaultRateLimit)
	}
	names := make(map[string]bool)
	for i := range c.Tasks {
		t := &c.Tasks[i]
		if t.Name == "" {
			return fmt.Errorf("task %d: no name", i)
		}
		if names[t.Name] {
			return fmt.Errorf("task %q: duplicate name", t.Name)
		}
		names[t.Name] = true
		if err := t.validate(); err != nil {
			return fmt.Errorf("task %q: %w", t.Name, err)
		}
	}
	return nil
}

func (t *Task) validate() error {
	if t.Count < 1 {
		return fmt.Errorf("count must be at least 1, got %d", t.Count)
	}
	if t.StackPages == 0 {
		return fmt.Errorf("stack_pages must be at least 1")
	}
	if _, err := t.TaskOpts(); err != nil {
		return err
	}
	for i, a := range t.Access {
		if a.Kind == AccessBrk {
			continue
		}
		if _, ok := a.AccessType(); !ok {
			return fmt.Errorf("access %d: invalid kind %q", i, a.Kind)
		}
	}
	return nil
}

func parsePerms(s string) (hostarch.AccessType, error) {
	at, ok := hostarch.ParseAccessType(s)
	if !ok || !at.Any() {
		return hostarch.NoAccess, fmt.Errorf("invalid permissions %q", s)
	}
	return at, nil
}

// KernelLayout returns the kernel layout shared by every address space.
func (c *Config) KernelLayout() (*mm.KernelLayout, error) {
	k := &mm.KernelLayout{TrampolinePFN: hostarch.PFN(c.Kernel.TrampolinePFN)}
	for i, id := range c.Kernel.Identity {
		perms, err := parsePerms(id.Perms)
		if err != nil {
			return nil, fmt.Errorf("identity %d: %w", i, err)
		}
		k.Identity = append(k.Identity, mm.IdentityRange{
			Range: hostarch.VPNRange{Start: hostarch.VPN(id.Start), End: hostarch.VPN(id.End)},
			Perms: perms,
		})
	}
	if err := k.Validate(); err != nil {
		return nil, err
	}
	return k, nil
}

// NewKernel returns the kernel state for a run.
func (c *Config) NewKernel() (*kernel.Kernel, error) {
	layout, err := c.KernelLayout()
	if err != nil {
		return nil, err
	}
	return &kernel.Kernel{
		Layout:      layout,
		Token:       8<<60 | c.Kernel.RootPFN,
		TrapHandler: c.Kernel.TrapHandler,
		TrapReturn:  c.Kernel.TrapReturn,
		PIDs:        kernel.NewPIDAllocator(),
	}, nil
}

// TaskOpts returns the options to create t with.
func (t *Task) TaskOpts() (kernel.TaskOpts, error) {
	opts := kernel.TaskOpts{
		Name:       t.Name,
		Entry:      hostarch.Addr(t.Entry),
		StackPages: t.StackPages,
		HeapPages:  t.HeapPages,
	}
	for i, s := range t.Image {
		perms, err := parsePerms(s.Perms)
		if err != nil {
			return kernel.TaskOpts{}, fmt.Errorf("image segment %d: %w", i, err)
		}
		if uint64(len(s.Data)) > s.Size {
			return kernel.TaskOpts{}, fmt.Errorf("image segment %d: %d bytes of data exceed size %#x", i, len(s.Data), s.Size)
		}
		opts.Segments = append(opts.Segments, kernel.Segment{
			Start: hostarch.Addr(s.Addr),
			Size:  s.Size,
			Perms: perms,
			Data:  []byte(s.Data),
		})
	}
	return opts, nil
}

// Replicas returns every task to run: each configured task repeated Count
// times. Replicas are deep copies and are named "name.N" when Count > 1.
func (c *Config) Replicas() []Task {
	var tasks []Task
	for _, t := range c.Tasks {
		for i := 0; i < t.Count; i++ {
			r := deepcopy.Copy(t).(Task)
			r.Count = 1
			if t.Count > 1 {
				r.Name = fmt.Sprintf("%s.%d", t.Name, i)
			}
			tasks = append(tasks, r)
		}
	}
	return tasks
}

// Find returns the task named name.
func (c *Config) Find(name string) (*Task, bool) {
	for i := range c.Tasks {
		if c.Tasks[i].Name == name {
			return &c.Tasks[i], true
		}
	}
	return nil, false
}
