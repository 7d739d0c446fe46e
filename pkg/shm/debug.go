/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"
)

// Logger is the diagnostic sink used by regions. It never influences control flow.
type Logger interface {
	Errorf(format string, a ...interface{})
	Warnf(format string, a ...interface{})
	Infof(format string, a ...interface{})
	Debugf(format string, a ...interface{})
}

// LogFunc adapts a single printf-style sink to Logger. The level is prepended to the
// format and the global log level still applies.
type LogFunc func(format string, a ...interface{})

func (f LogFunc) Errorf(format string, a ...interface{}) { f.write(LevelError, format, a...) }
func (f LogFunc) Warnf(format string, a ...interface{})  { f.write(LevelWarn, format, a...) }
func (f LogFunc) Infof(format string, a ...interface{})  { f.write(LevelInfo, format, a...) }
func (f LogFunc) Debugf(format string, a ...interface{}) { f.write(LevelDebug, format, a...) }

func (f LogFunc) write(l int, format string, a ...interface{}) {
	if f == nil || !enabled(l) {
		return
	}
	f(levelName[l]+" "+format, a...)
}

type logger struct {
	name      string
	out       io.Writer
	callDepth int
}

var (
	internalLogger = &logger{"shmregion", os.Stderr, 3}
	level          atomic.Int32

	magenta = string([]byte{27, 91, 57, 53, 109}) // Trace
	green   = string([]byte{27, 91, 57, 50, 109}) // Debug
	blue    = string([]byte{27, 91, 57, 52, 109}) // Info
	yellow  = string([]byte{27, 91, 57, 51, 109}) // Warn
	red     = string([]byte{27, 91, 57, 49, 109}) // Error
	reset   = string([]byte{27, 91, 48, 109})

	colors = []string{
		magenta,
		green,
		blue,
		yellow,
		red,
	}

	levelName = []string{
		"Trace",
		"Debug",
		"Info",
		"Warn",
		"Error",
	}
)

// Log levels accepted by SetLogLevel and SHMREGION_LOG_LEVEL.
const (
	LevelTrace = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNoPrint
)

// EnvLogLevel overrides the default Warn level when set to a number in [0, 5].
const EnvLogLevel = "SHMREGION_LOG_LEVEL"

func init() {
	level.Store(LevelWarn)
	if v := os.Getenv(EnvLogLevel); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			SetLogLevel(n)
		}
	}
}

// SetLogLevel changes the level of every logger in the package. The default is Warn.
func SetLogLevel(l int) {
	if l >= LevelTrace && l <= LevelNoPrint {
		level.Store(int32(l))
	}
}

func enabled(l int) bool {
	return int(level.Load()) <= l
}

// NewLogger returns the coloured leveled logger writing to out (stderr when nil).
func NewLogger(name string, out io.Writer) Logger {
	if out == nil {
		out = os.Stderr
	}
	return &logger{
		name:      name,
		out:       out,
		callDepth: 3,
	}
}

func (l *logger) Errorf(format string, a ...interface{}) { l.printf(LevelError, format, a...) }
func (l *logger) Warnf(format string, a ...interface{})  { l.printf(LevelWarn, format, a...) }
func (l *logger) Infof(format string, a ...interface{})  { l.printf(LevelInfo, format, a...) }
func (l *logger) Debugf(format string, a ...interface{}) { l.printf(LevelDebug, format, a...) }
func (l *logger) Tracef(format string, a ...interface{}) { l.printf(LevelTrace, format, a...) }

func (l *logger) printf(lv int, format string, a ...interface{}) {
	if !enabled(lv) {
		return
	}
	if _, err := fmt.Fprintf(l.out, l.prefix(lv)+format+reset+"\n", a...); err != nil {
		fmt.Fprintf(os.Stderr, "logger %s failed: %v\n", levelName[lv], err)
	}
}

func (l *logger) prefix(lv int) string {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	_, _ = buf.WriteString(colors[lv])
	_, _ = buf.WriteString(levelName[lv])
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(time.Now().Format("2006-01-02 15:04:05.999999"))
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.location())
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.name)
	_ = buf.WriteByte(' ')
	return buf.String()
}

// location reports the caller of Errorf/Warnf/...: printf and prefix sit in between.
func (l *logger) location() string {
	_, file, line, ok := runtime.Caller(l.callDepth + 1)
	if !ok {
		file = "???"
		line = 0
	}
	file = filepath.Base(file)
	return file + ":" + strconv.Itoa(line)
}
