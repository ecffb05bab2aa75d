// Package commons holds the small set of cross-cutting types every other
// package in this module depends on: the structured logger.
package commons

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the structured logging surface used across the pipeline. It
// mirrors zap.SugaredLogger's dual printf/keyvalue API so call sites can use
// whichever reads better at the point of logging.
type Logger interface {
	Debug(args ...interface{})
	Debugf(template string, args ...interface{})
	Debugw(msg string, kv ...interface{})

	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Infow(msg string, kv ...interface{})

	Warn(args ...interface{})
	Warnf(template string, args ...interface{})
	Warnw(msg string, kv ...interface{})

	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Errorw(msg string, kv ...interface{})

	// With returns a child logger with the given key/value pairs attached
	// to every subsequent entry.
	With(kv ...interface{}) Logger
}

type sugaredLogger struct {
	s *zap.SugaredLogger
}

func (l *sugaredLogger) Debug(args ...interface{})                { l.s.Debug(args...) }
func (l *sugaredLogger) Debugf(t string, args ...interface{})     { l.s.Debugf(t, args...) }
func (l *sugaredLogger) Debugw(msg string, kv ...interface{})     { l.s.Debugw(msg, kv...) }
func (l *sugaredLogger) Info(args ...interface{})                 { l.s.Info(args...) }
func (l *sugaredLogger) Infof(t string, args ...interface{})      { l.s.Infof(t, args...) }
func (l *sugaredLogger) Infow(msg string, kv ...interface{})      { l.s.Infow(msg, kv...) }
func (l *sugaredLogger) Warn(args ...interface{})                 { l.s.Warn(args...) }
func (l *sugaredLogger) Warnf(t string, args ...interface{})      { l.s.Warnf(t, args...) }
func (l *sugaredLogger) Warnw(msg string, kv ...interface{})      { l.s.Warnw(msg, kv...) }
func (l *sugaredLogger) Error(args ...interface{})                { l.s.Error(args...) }
func (l *sugaredLogger) Errorf(t string, args ...interface{})     { l.s.Errorf(t, args...) }
func (l *sugaredLogger) Errorw(msg string, kv ...interface{})     { l.s.Errorw(msg, kv...) }
func (l *sugaredLogger) With(kv ...interface{}) Logger {
	return &sugaredLogger{s: l.s.With(kv...)}
}

// Options controls where log output goes.
type Options struct {
	// LogFilePath enables a rotating file sink alongside stderr when set.
	LogFilePath string
	MaxSizeMB   int
	MaxBackups  int
	MaxAgeDays  int
	Development bool
}

// New builds a Logger writing JSON to stderr and, when configured, to a
// lumberjack-rotated file.
func New(opts Options) Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	level := zapcore.InfoLevel
	if opts.Development {
		level = zapcore.DebugLevel
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level),
	}
	if opts.LogFilePath != "" {
		w := &lumberjack.Logger{
			Filename:   opts.LogFilePath,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(w), level))
	}

	core := zapcore.NewTee(cores...)
	base := zap.New(core, zap.AddCaller())
	return &sugaredLogger{s: base.Sugar()}
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

// NewNop returns a Logger that discards everything, for use in tests that
// don't assert on log content.
func NewNop() Logger {
	return &sugaredLogger{s: zap.NewNop().Sugar()}
}
