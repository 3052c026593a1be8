// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package logging exposes the Logger interface used across the module so
// that components depend on an interface instead of a concrete logging
// library.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the logging interface implemented by every component that can
// log. It matches the level names used throughout this module's call
// sites: trace for per-request chatter, debug for routing/storage
// bookkeeping, info for lifecycle events, warning for recoverable peer
// errors, error for everything else.
type Logger interface {
	Trace(args ...interface{})
	Tracef(format string, args ...interface{})
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warning(args ...interface{})
	Warningf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
}

// Fields is a set of structured log fields attached to a log line.
type Fields map[string]interface{}

type logger struct {
	*logrus.Entry
}

// New creates a new Logger that writes to w at the given level.
func New(w io.Writer, level logrus.Level) Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return &logger{logrus.NewEntry(l)}
}

func (l *logger) WithField(key string, value interface{}) Logger {
	return &logger{l.Entry.WithField(key, value)}
}

func (l *logger) WithFields(fields Fields) Logger {
	return &logger{l.Entry.WithFields(logrus.Fields(fields))}
}

func (l *logger) Warning(args ...interface{}) { l.Entry.Warn(args...) }

func (l *logger) Warningf(format string, args ...interface{}) { l.Entry.Warnf(format, args...) }
