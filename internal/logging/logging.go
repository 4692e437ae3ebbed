// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package logging provides the logging interface used throughout the log
// receiver: a small level-based interface (Errorf/Warnf/Infof/Debugf) so
// callers can wrap their own structured logger, with a logrus-backed
// default.
//
// A connection's log lines carry its peer address, connection id and
// correlation id, so operators can grep one connection's history out of a
// busy receiver's log.
package logging

import "github.com/sirupsen/logrus"

// Logger is the logging interface consumed by every receiver component.
//
// Implementations must be safe for concurrent use: block validation,
// authentication and dispatch all log from their own goroutines.
type Logger interface {
	Errorf(format string, args ...any)
	Warnf(format string, args ...any)
	Infof(format string, args ...any)
	Debugf(format string, args ...any)

	// With returns a Logger that prefixes every subsequent line with the
	// given key/value pairs (e.g. "peer", "conn", "component").
	With(kv ...any) Logger
}

// logrusLogger adapts *logrus.Logger (or a *logrus.Entry) to Logger.
type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger returns a Logger backed by logrus, formatted as
// "time level message key=value ...".
func NewLogrusLogger(base *logrus.Logger) Logger {
	if base == nil {
		base = logrus.New()
	}
	return &logrusLogger{entry: logrus.NewEntry(base)}
}

func (l *logrusLogger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }

func (l *logrusLogger) With(kv ...any) Logger {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields[key] = kv[i+1]
	}
	return &logrusLogger{entry: l.entry.WithFields(fields)}
}

// Discard is a Logger that drops every line. Useful in tests that assert on
// behavior rather than log output.
var Discard Logger = discard{}

type discard struct{}

func (discard) Errorf(string, ...any) {}
func (discard) Warnf(string, ...any)  {}
func (discard) Infof(string, ...any)  {}
func (discard) Debugf(string, ...any) {}
func (discard) With(...any) Logger    { return discard{} }

// OrDefault returns l if non-nil, otherwise a logrus-backed logger at the
// default (info) level. It guards against a nil Logger reaching components
// that assume one is always present.
func OrDefault(l Logger) Logger {
	if l == nil {
		return NewLogrusLogger(nil)
	}
	return l
}
