// Copyright 2020 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"fmt"
	"strings"
	"sync"
)

// NoopLogger discards everything.
type NoopLogger struct{}

func (NoopLogger) Errorf(string, ...any)   {}
func (NoopLogger) Warningf(string, ...any) {}
func (NoopLogger) Infof(string, ...any)    {}
func (NoopLogger) Debugf(string, ...any)   {}
func (NoopLogger) Tracef(string, ...any)   {}

// CheckLog is an interface that can be used to log messages to a
// *testing.T or *check.C.
type CheckLog interface {
	Logf(string, ...any)
}

// CheckLogger logs to a *testing.T or *check.C, so that output only
// shows for failing tests.
type CheckLogger struct {
	Log CheckLog
}

// NewCheckLogger returns a CheckLogger that logs to the given CheckLog.
func NewCheckLogger(log CheckLog) CheckLogger {
	return CheckLogger{Log: log}
}

func (c CheckLogger) Errorf(msg string, args ...any) {
	c.Log.Logf(fmt.Sprintf("ERROR: %s", msg), args...)
}
func (c CheckLogger) Warningf(msg string, args ...any) {
	c.Log.Logf(fmt.Sprintf("WARNING: %s", msg), args...)
}
func (c CheckLogger) Infof(msg string, args ...any) {
	c.Log.Logf(fmt.Sprintf("INFO: %s", msg), args...)
}
func (c CheckLogger) Debugf(msg string, args ...any) {
	c.Log.Logf(fmt.Sprintf("DEBUG: %s", msg), args...)
}
func (c CheckLogger) Tracef(msg string, args ...any) {
	c.Log.Logf(fmt.Sprintf("TRACE: %s", msg), args...)
}

// RecordingLogger keeps every formatted line so tests can assert on
// what was logged.
type RecordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (r *RecordingLogger) record(level, msg string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, level+": "+fmt.Sprintf(msg, args...))
}

func (r *RecordingLogger) Errorf(msg string, args ...any)   { r.record("ERROR", msg, args...) }
func (r *RecordingLogger) Warningf(msg string, args ...any) { r.record("WARNING", msg, args...) }
func (r *RecordingLogger) Infof(msg string, args ...any)    { r.record("INFO", msg, args...) }
func (r *RecordingLogger) Debugf(msg string, args ...any)   { r.record("DEBUG", msg, args...) }
func (r *RecordingLogger) Tracef(msg string, args ...any)   { r.record("TRACE", msg, args...) }

// Lines returns a copy of the recorded lines.
func (r *RecordingLogger) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

// Contains reports whether any recorded line contains substr.
func (r *RecordingLogger) Contains(substr string) bool {
	for _, line := range r.Lines() {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}
