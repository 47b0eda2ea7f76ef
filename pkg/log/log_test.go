// Copyright 2018 Google LLC
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

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if len(tw.lines) != len(expected) {
		t.Fatalf("Writer should have logged %d lines, got: %v, expected: %v", len(expected), tw.lines, expected)
	}
	for i, l := range tw.lines {
		if l != expected[i] {
			t.Fatalf("line %d doesn't match, got: %v, expected: %v", i, l, expected[i])
		}
	}
}

func TestAppendsNewline(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("no newline")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}
	if got := strings.Join(tw.lines, ""); got != "no newline\n" {
		t.Errorf("got %q, want newline-terminated line", got)
	}
}

func TestLevelFiltering(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	l.Debugf("hidden")
	l.Infof("shown %d", 1)
	l.Warningf("shown %d", 2)
	if got, want := strings.Join(tw.lines, ""), "shown 1\nshown 2\n"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	l.SetLevel(Debug)
	l.Debugf("now shown")
	if got, want := strings.Join(tw.lines, ""), "shown 1\nshown 2\nnow shown\n"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestGoogleEmitter(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{&Writer{Next: tw}}
	ts := time.Date(2024, time.May, 7, 13, 4, 5, 6000, time.UTC)
	e.Emit(0, Warning, ts, "fault at %#x", 0x22)
	if len(tw.lines) != 1 {
		t.Fatalf("got %v, want one line", tw.lines)
	}
	line := tw.lines[0]
	if !strings.HasPrefix(line, "W0507 13:04:05.000006 ") {
		t.Errorf("unexpected header in %q", line)
	}
	if !strings.HasSuffix(line, "] fault at 0x22\n") {
		t.Errorf("unexpected message in %q", line)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Debug, Emitter: &Writer{Next: tw}}
	rl := RateLimitedLogger(l, time.Hour)
	for i := 0; i < 5; i++ {
		rl.Warningf("fault %d", i)
	}
	if got, want := strings.Join(tw.lines, ""), "fault 0\n"; got != want {
		t.Errorf("got %q, want only the first message %q", got, want)
	}
}

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		s    string
		want Level
	}{
		{"warning", Warning},
		{"info", Info},
		{"debug", Debug},
	} {
		got, err := ParseLevel(tc.s)
		if err != nil || got != tc.want {
			t.Errorf("ParseLevel(%q) = (%v, %v), want %v", tc.s, got, err, tc.want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Errorf("ParseLevel accepted an unknown level")
	}
}

func TestOpenFile(t *testing.T) {
	for _, path := range []string{"", "-"} {
		f, err := OpenFile(path)
		if err != nil || f != os.Stderr {
			t.Errorf("OpenFile(%q) = %v, %v, want stderr", path, f, err)
		}
	}

	path := filepath.Join(t.TempDir(), "logs", "mmsim.log")
	for _, line := range []string{"first\n", "second\n"} {
		f, err := OpenFile(path)
		if err != nil {
			t.Fatalf("OpenFile(%q): %v", path, err)
		}
		if _, err := f.WriteString(line); err != nil {
			t.Fatalf("WriteString: %v", err)
		}
		f.Close()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got, want := string(b), "first\nsecond\n"; got != want {
		t.Errorf("log file holds %q, want %q", got, want)
	}
}
