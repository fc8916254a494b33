// Copyright 2025 The axfor Authors
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
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *Logger
	once         sync.Once
)

// Logger is a structured logger wrapping zap with both strongly-typed
// and printf-style entry points.
type Logger struct {
	zap    *zap.Logger
	sugar  *zap.SugaredLogger
	config *Config
}

// Config controls how a Logger is built.
type Config struct {
	// Level is one of debug, info, warn, error, dpanic, panic, fatal.
	Level string

	// OutputPaths are the sinks for non-error entries, e.g. ["stdout"].
	OutputPaths []string

	// ErrorOutputPaths are additional sinks for Error-and-above entries.
	ErrorOutputPaths []string

	// Encoding is "json" or "console".
	Encoding string

	// Development enables more verbose DPanic behavior.
	Development bool

	// DisableCaller omits file:line from entries.
	DisableCaller bool

	// DisableStacktrace omits stack traces from Error-and-above entries.
	DisableStacktrace bool

	// EnableColor colors level names (console encoding only).
	EnableColor bool

	// Rotation, if non-nil, is applied to every file-based entry in
	// OutputPaths/ErrorOutputPaths ("stdout"/"stderr" are unaffected).
	// Its Filename field is ignored; each path supplies its own.
	Rotation *RotationConfig
}

// DefaultConfig is human-readable console output at info level.
var DefaultConfig = &Config{
	Level:             "info",
	OutputPaths:       []string{"stdout"},
	ErrorOutputPaths:  []string{"stderr"},
	Encoding:          "console",
	EnableColor:       true,
}

// ProductionConfig is JSON output suited to log aggregation.
var ProductionConfig = &Config{
	Level:             "info",
	OutputPaths:       []string{"stdout"},
	ErrorOutputPaths:  []string{"stderr"},
	Encoding:          "json",
	DisableStacktrace: true,
}

// NewLogger builds a Logger from cfg, falling back to DefaultConfig when
// cfg is nil.
func NewLogger(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig
	}

	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, err
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if cfg.Encoding == "console" && cfg.EnableColor {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	newEncoder := func() zapcore.Encoder {
		if cfg.Encoding == "json" {
			return zapcore.NewJSONEncoder(encoderConfig)
		}
		return zapcore.NewConsoleEncoder(encoderConfig)
	}

	var cores []zapcore.Core
	for _, path := range cfg.OutputPaths {
		cores = append(cores, zapcore.NewCore(newEncoder(), getWriter(path, cfg.Rotation), level))
	}
	for _, path := range cfg.ErrorOutputPaths {
		if contains(cfg.OutputPaths, path) {
			continue
		}
		cores = append(cores, zapcore.NewCore(newEncoder(), getWriter(path, cfg.Rotation), zapcore.ErrorLevel))
	}

	opts := []zap.Option{zap.AddCaller()}
	if cfg.DisableCaller {
		opts = nil
	}
	if !cfg.DisableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	zapLogger := zap.New(zapcore.NewTee(cores...), opts...)
	return &Logger{zap: zapLogger, sugar: zapLogger.Sugar(), config: cfg}, nil
}

// InitGlobalLogger sets up the package-level logger used by the free
// functions below. Only the first call takes effect.
func InitGlobalLogger(cfg *Config) error {
	var err error
	once.Do(func() {
		globalLogger, err = NewLogger(cfg)
	})
	return err
}

// GetLogger returns the global logger, lazily initializing it with
// DefaultConfig if no one has called InitGlobalLogger yet.
func GetLogger() *Logger {
	if globalLogger == nil {
		_ = InitGlobalLogger(DefaultConfig)
	}
	return globalLogger
}

// ReplaceGlobalLogger swaps the package-level logger, e.g. after config
// has been loaded from disk.
func ReplaceGlobalLogger(logger *Logger) {
	globalLogger = logger
}

func (l *Logger) Sync() error { return l.zap.Sync() }

// Zap exposes the underlying *zap.Logger for collaborators that accept
// one directly, such as pkg/health and pkg/metrics.
func (l *Logger) Zap() *zap.Logger { return l.zap }

func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...), sugar: l.sugar.With(toArgs(fields)...), config: l.config}
}

func (l *Logger) Named(name string) *Logger {
	return &Logger{zap: l.zap.Named(name), sugar: l.sugar.Named(name), config: l.config}
}

func (l *Logger) Debug(msg string, fields ...zap.Field)  { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)   { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)   { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field)  { l.zap.Error(msg, fields...) }
func (l *Logger) DPanic(msg string, fields ...zap.Field) { l.zap.DPanic(msg, fields...) }
func (l *Logger) Panic(msg string, fields ...zap.Field)  { l.zap.Panic(msg, fields...) }
func (l *Logger) Fatal(msg string, fields ...zap.Field)  { l.zap.Fatal(msg, fields...) }

func (l *Logger) Debugf(template string, args ...interface{}) { l.sugar.Debugf(template, args...) }
func (l *Logger) Infof(template string, args ...interface{})  { l.sugar.Infof(template, args...) }
func (l *Logger) Warnf(template string, args ...interface{})  { l.sugar.Warnf(template, args...) }
func (l *Logger) Errorf(template string, args ...interface{}) { l.sugar.Errorf(template, args...) }
func (l *Logger) Fatalf(template string, args ...interface{}) { l.sugar.Fatalf(template, args...) }

// getWriter resolves an OutputPaths/ErrorOutputPaths entry to a sink.
// "stdout"/"stderr" are the process streams; anything else is a file,
// rotated via RotatingFileWriter when rotation is non-nil.
func getWriter(path string, rotation *RotationConfig) zapcore.WriteSyncer {
	switch path {
	case "stdout":
		return zapcore.AddSync(os.Stdout)
	case "stderr":
		return zapcore.AddSync(os.Stderr)
	default:
		if rotation != nil {
			rotCfg := *rotation
			rotCfg.Filename = path
			if w, err := NewRotatingFileWriter(rotCfg); err == nil {
				return zapcore.AddSync(w)
			}
		}
		file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return zapcore.AddSync(os.Stdout)
		}
		return zapcore.AddSync(file)
	}
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func toArgs(fields []zap.Field) []interface{} {
	args := make([]interface{}, len(fields))
	for i, f := range fields {
		args[i] = f
	}
	return args
}

// Package-level convenience functions delegating to the global logger.

func Debug(msg string, fields ...zap.Field)  { GetLogger().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)   { GetLogger().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)   { GetLogger().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field)  { GetLogger().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field)  { GetLogger().Fatal(msg, fields...) }

func Debugf(template string, args ...interface{}) { GetLogger().Debugf(template, args...) }
func Infof(template string, args ...interface{})  { GetLogger().Infof(template, args...) }
func Warnf(template string, args ...interface{})  { GetLogger().Warnf(template, args...) }
func Errorf(template string, args ...interface{}) { GetLogger().Errorf(template, args...) }

func Sync() error {
	if globalLogger != nil {
		return globalLogger.Sync()
	}
	return nil
}
