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

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"gvisor.dev/sv39/mmsim/config"
)

func testTask(name string, access ...config.Access) config.Task {
	return config.Task{
		Name:  name,
		Count: 1,
		Entry: 0x10000,
		Image: []config.Segment{
			{Addr: 0x10000, Size: 0x1000, Perms: "rx"},
			{Addr: 0x11000, Size: 0x1000, Perms: "rw", Data: "data"},
		},
		StackPages: 4,
		Access:     access,
	}
}

func testConfig(tasks ...config.Task) *config.Config {
	c := config.Default()
	c.Tasks = tasks
	if err := c.Validate(); err != nil {
		panic(err)
	}
	return c
}

func TestRunDefault(t *testing.T) {
	results, err := run(context.Background(), config.Default(), 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []*Result{{
		Name:     "init",
		Accesses: 6,
		Hits:     2,
		Mapped:   2,
		Breaks:   2,
	}}
	if diff := cmp.Diff(want, results, cmpopts.IgnoreFields(Result{}, "PID", "PeakFrames")); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
	if results[0].PeakFrames == 0 {
		t.Errorf("PeakFrames = 0, want the frames of the address space")
	}
}

func TestRunFatalFaults(t *testing.T) {
	conf := testConfig(
		testTask("write-text", config.Access{Kind: config.AccessWrite, Addr: 0x10000}),
		testTask("unmapped", config.Access{Kind: config.AccessRead, Addr: 0x40000000}),
		testTask("kernel", config.Access{Kind: config.AccessRead, Addr: 0x80000000}),
		testTask("guard", config.Access{Kind: config.AccessRead, Addr: 0x12000}),
		testTask("non-canonical", config.Access{Kind: config.AccessRead, Addr: 0x8000000000}),
		testTask("trampoline", config.Access{Kind: config.AccessExecute, Addr: 0xfffffffffffff000}),
	)
	results, err := run(context.Background(), conf, 2)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, tc := range []struct {
		name string
		want string
	}{
		{"write-text", "protection fault"},
		{"unmapped", "segmentation fault"},
		{"kernel", "protection fault"},
		{"guard", "segmentation fault"},
		{"non-canonical", "non-canonical"},
		{"trampoline", "protection fault"},
	} {
		var res *Result
		for _, r := range results {
			if r.Name == tc.name {
				res = r
			}
		}
		if res == nil {
			t.Errorf("no result for %q", tc.name)
			continue
		}
		if !strings.Contains(res.Killed, tc.want) {
			t.Errorf("%s: Killed = %q, want %q", tc.name, res.Killed, tc.want)
		}
		if res.ExitCode != killedExitCode {
			t.Errorf("%s: ExitCode = %d, want %d", tc.name, res.ExitCode, killedExitCode)
		}
	}
}

func TestRunStopsAtFatalFault(t *testing.T) {
	conf := testConfig(testTask("t",
		config.Access{Kind: config.AccessWrite, Addr: 0x11000},
		config.Access{Kind: config.AccessWrite, Addr: 0x50000000},
		config.Access{Kind: config.AccessWrite, Addr: 0x11000},
	))
	results, err := run(context.Background(), conf, 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := results[0].Accesses; got != 2 {
		t.Errorf("Accesses = %d, want 2", got)
	}
	if got := results[0].Hits; got != 1 {
		t.Errorf("Hits = %d, want 1", got)
	}
}

func TestRunBrk(t *testing.T) {
	conf := testConfig(testTask("t",
		// The heap starts at 0x17000, the top of the stack.
		config.Access{Kind: config.AccessBrk, Brk: 0x16000},
		config.Access{Kind: config.AccessBrk, Brk: 0x19800},
		config.Access{Kind: config.AccessWrite, Addr: 0x19000},
		config.Access{Kind: config.AccessWrite, Addr: 0x19008},
		config.Access{Kind: config.AccessBrk, Brk: 0x17000},
		config.Access{Kind: config.AccessRead, Addr: 0x19000},
	))
	results, err := run(context.Background(), conf, 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := &Result{
		Name:         "t",
		Accesses:     6,
		Hits:         1,
		Mapped:       1,
		Breaks:       2,
		FailedBreaks: 1,
		Killed:       "access 5: segmentation fault at 0x19000",
		ExitCode:     killedExitCode,
	}
	if diff := cmp.Diff(want, results[0], cmpopts.IgnoreFields(Result{}, "PID", "PeakFrames")); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestRunReplicasShareThePool(t *testing.T) {
	task := testTask("worker",
		config.Access{Kind: config.AccessWrite, Addr: 0x14000},
		config.Access{Kind: config.AccessWrite, Addr: 0x15000},
		config.Access{Kind: config.AccessRead, Addr: 0x11000},
	)
	task.Count = 32
	conf := testConfig(task)
	results, err := run(context.Background(), conf, 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(results) != 32 {
		t.Fatalf("got %d results, want 32", len(results))
	}
	for _, r := range results {
		if r.Mapped != 2 || r.Hits != 1 || r.Killed != "" {
			t.Errorf("replica %s: %+v", r.Name, r)
		}
	}
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	conf := testConfig(testTask("t", config.Access{Kind: config.AccessRead, Addr: 0x11000}))
	if _, err := run(ctx, conf, 0); err == nil {
		t.Errorf("run with a canceled context succeeded")
	}
}

func TestWriteResults(t *testing.T) {
	results := []*Result{
		{Name: "a", PID: 1, Accesses: 3, Hits: 1, Mapped: 2, PeakFrames: 9},
		{Name: "b", PID: 2, Killed: "access 0: segmentation fault at 0x0", ExitCode: killedExitCode},
	}

	var buf bytes.Buffer
	if err := writeResults(&buf, formatJSON, results); err != nil {
		t.Fatalf("writeResults(json): %v", err)
	}
	var got []*Result
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	if diff := cmp.Diff(results, got); diff != "" {
		t.Errorf("json results mismatch (-want +got):\n%s", diff)
	}

	buf.Reset()
	if err := writeResults(&buf, formatTable, results); err != nil {
		t.Fatalf("writeResults(table): %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("table has %d lines, want 3:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "NAME") || !strings.HasPrefix(lines[2], "b ") {
		t.Errorf("unexpected table:\n%s", buf.String())
	}
}

func TestResolveFormat(t *testing.T) {
	var buf bytes.Buffer
	for _, tc := range []struct {
		format string
		want   string
	}{
		{formatAuto, formatJSON},
		{formatTable, formatTable},
		{formatJSON, formatJSON},
	} {
		got, err := resolveFormat(tc.format, &buf)
		if err != nil || got != tc.want {
			t.Errorf("resolveFormat(%q) = %q, %v, want %q", tc.format, got, err, tc.want)
		}
	}
	if _, err := resolveFormat("yaml", &buf); err == nil {
		t.Errorf("resolveFormat(yaml) succeeded")
	}
}

func TestMaps(t *testing.T) {
	conf := config.Default()
	m := &Maps{replay: true, pages: true}
	var buf bytes.Buffer
	if err := m.write(context.Background(), &buf, conf, &conf.Tasks[0]); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"00010000-00011000 r-xp",
		"00011000-00013000 rw-p",
		"[heap]",
		"[kernel]",
		"[trap]",
		"[trampoline]",
		"VRW-U",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("maps output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "killed") {
		t.Errorf("default task was killed:\n%s", out)
	}
}
