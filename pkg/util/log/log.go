// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

// Package log exposes package-level logging functions for the whole engine.
// The backing logger is a zap SugaredLogger; callers never deal with logger
// instances, they call log.Infof and friends the way the rest of the codebase
// expects.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger *zap.SugaredLogger
)

func init() {
	logger = newDefault().Sugar()
}

func newDefault() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// The production config never fails to build; keep the fallback
		// anyway so the package-level functions are always usable.
		l = zap.NewNop()
	}
	return l
}

// SetupLogger replaces the backing logger. Level is one of debug, info, warn,
// error; unknown values fall back to info.
func SetupLogger(level string) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return
	}
	ReplaceLogger(l)
}

// ReplaceLogger swaps in a caller-supplied zap logger. Used by tests to
// capture output.
func ReplaceLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l.Sugar()
}

// Flush drains buffered log entries. Call before process exit.
func Flush() {
	mu.RLock()
	defer mu.RUnlock()
	_ = logger.Sync()
}

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Debug logs at the debug level.
func Debug(v ...interface{}) { get().Debug(v...) }

// Debugf formats and logs at the debug level.
func Debugf(format string, params ...interface{}) { get().Debugf(format, params...) }

// Info logs at the info level.
func Info(v ...interface{}) { get().Info(v...) }

// Infof formats and logs at the info level.
func Infof(format string, params ...interface{}) { get().Infof(format, params...) }

// Warn logs at the warn level.
func Warn(v ...interface{}) { get().Warn(v...) }

// Warnf formats and logs at the warn level.
func Warnf(format string, params ...interface{}) { get().Warnf(format, params...) }

// Error logs at the error level.
func Error(v ...interface{}) { get().Error(v...) }

// Errorf formats and logs at the error level.
func Errorf(format string, params ...interface{}) { get().Errorf(format, params...) }
