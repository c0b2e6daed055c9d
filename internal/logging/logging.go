package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Loggers groups the application logger and the per-request access logger.
type Loggers struct {
	App     *zap.Logger
	Request *zap.Logger
}

// New builds JSON loggers writing to stderr. When dir is set, app.log and
// request.log are also written there with size-based rotation.
func New(level, dir string) (Loggers, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return Loggers{}, fmt.Errorf("parse log level %q: %w", level, err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderConfig)

	stderr := zapcore.Lock(os.Stderr)
	appSinks := []zapcore.WriteSyncer{stderr}
	requestSinks := []zapcore.WriteSyncer{stderr}

	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Loggers{}, fmt.Errorf("create log dir: %w", err)
		}
		appSinks = append(appSinks, zapcore.AddSync(&lumberjack.Logger{
			Filename: filepath.Join(dir, "app.log"), MaxSize: 100, MaxAge: 28, Compress: true,
		}))
		requestSinks = []zapcore.WriteSyncer{zapcore.AddSync(&lumberjack.Logger{
			Filename: filepath.Join(dir, "request.log"), MaxSize: 50, MaxAge: 7, Compress: true,
		})}
	}

	app := zap.New(zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(appSinks...), lvl), zap.AddCaller())
	request := zap.New(zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(requestSinks...), zapcore.InfoLevel))

	return Loggers{App: app, Request: request}, nil
}

// Sync flushes buffered entries; errors from syncing stderr are ignored.
func (l Loggers) Sync() {
	_ = l.App.Sync()
	_ = l.Request.Sync()
}

// LogDuration lets you do: defer logging.LogDuration(logger, "name")()
func LogDuration(logger *zap.Logger, name string, fields ...zap.Field) func() {
	start := time.Now()
	return func() {
		logger.Debug("timed", append(fields,
			zap.String("func", name),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)...)
	}
}
