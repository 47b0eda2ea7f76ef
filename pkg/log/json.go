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

package log

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// jsonLog is a single JSON log record.
type jsonLog struct {
	Time   time.Time `json:"time"`
	Level  Level     `json:"level"`
	Caller string    `json:"caller,omitempty"`

	// Task is the pid of the task a message is about, taken from a leading
	// "[pid] " in the message.
	Task *int   `json:"task,omitempty"`
	Msg  string `json:"msg"`
}

// MarshalJSON implements json.Marshaler.MarshalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	if l > Debug {
		return nil, fmt.Errorf("unknown level %d", uint32(l))
	}
	return strconv.AppendQuote(nil, strings.ToLower(l.String())), nil
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. It accepts level
// names and their integer values.
func (l *Level) UnmarshalJSON(b []byte) error {
	if s, err := strconv.Unquote(string(b)); err == nil {
		lv, err := ParseLevel(s)
		if err != nil {
			return err
		}
		*l = lv
		return nil
	}
	n, err := strconv.ParseUint(string(b), 10, 32)
	if err != nil || Level(n) > Debug {
		return fmt.Errorf("unknown level %s", b)
	}
	*l = Level(n)
	return nil
}

// splitTask splits a leading "[pid] " from msg.
func splitTask(msg string) (int, string, bool) {
	if !strings.HasPrefix(msg, "[") {
		return 0, msg, false
	}
	end := strings.Index(msg, "] ")
	if end < 0 {
		return 0, msg, false
	}
	pid, err := strconv.Atoi(msg[1:end])
	if err != nil {
		return 0, msg, false
	}
	return pid, msg[end+2:], true
}

// JSONEmitter logs messages in json format, one object per line.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	j := jsonLog{
		Time:  timestamp,
		Level: level,
	}
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
			file = file[slash+1:]
		}
		j.Caller = fmt.Sprintf("%s:%d", file, line)
	}
	msg := fmt.Sprintf(format, v...)
	if pid, rest, ok := splitTask(msg); ok {
		j.Task = &pid
		msg = rest
	}
	j.Msg = msg
	b, err := json.Marshal(j)
	if err != nil {
		panic(err)
	}
	e.Writer.Write(b)
}
