package spanstream

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var internalLogger atomic.Value

func init() {
	internalLogger.Store(newDefaultLogger())
}

func newDefaultLogger() *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		zapcore.DebugLevel,
	)
	return zap.New(core).Named("spanstream")
}

// InternalLogger returns the Logger used to write out internal logs. Nothing in
// the streaming engine returns errors to the code recording spans, so this is
// where connection failures, resolution failures and dropped spans surface.
func InternalLogger() *zap.Logger { return internalLogger.Load().(*zap.Logger) }

// SetInternalLogger makes l the internal logger. A nil l installs a no-op
// logger.
func SetInternalLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	internalLogger.Store(l)
}
