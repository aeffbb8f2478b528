package elog

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

type nopLogger struct{}

func (nopLogger) Debugf(format string, args ...interface{}) {}
func (nopLogger) Errorf(format string, args ...interface{}) {}
func (nopLogger) Finish(success bool)                        {}
func (nopLogger) Infof(format string, args ...interface{})  {}
func (nopLogger) IsLogLevelEnabled(level LogLevel) bool      { return false }
func (nopLogger) Logf(level LogLevel, format string, args ...interface{}) {}
func (n nopLogger) Scoped(scope string) Logger               { return n }
func (nopLogger) Tracef(format string, args ...interface{}) {}
func (nopLogger) Warnf(format string, args ...interface{})  {}

// Nop returns a Logger that discards everything. Callers that don't care
// about progress/resume diagnostics (library use, tests) pass this
// instead of threading a nil Logger through every call site.
func Nop() Logger {
	return nopLogger{}
}
