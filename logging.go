package vstbridge

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// LogFileEnv redirects log output to a file instead of stderr. Useful
	// because most hosts swallow their plugins' stderr.
	LogFileEnv = "VSTBRIDGE_LOG_FILE"

	// LogLevelEnv selects verbosity: 0 logs lifecycle events only, 1 also
	// logs every forwarded call and callback.
	LogLevelEnv = "VSTBRIDGE_LOG_LEVEL"
)

// NewLoggerFromEnv builds the session logger from the environment. The
// session name, derived from the socket path, tags every line so multiple
// plugin instances logging to one file stay distinguishable.
func NewLoggerFromEnv(session string) *zap.Logger {
	level := zapcore.InfoLevel
	if raw := os.Getenv(LogLevelEnv); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 1 {
			level = zapcore.DebugLevel
		}
	}

	sink := zapcore.Lock(os.Stderr)
	if path := os.Getenv(LogFileEnv); path != "" {
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			sink = zapcore.Lock(f)
		}
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), sink, level)
	return zap.New(core).With(zap.String("session", session))
}

// SessionName derives a compact session identifier from a socket path:
// the socket filename with the extension and the redundant tool prefix
// stripped.
func SessionName(socketPath string) string {
	name := strings.TrimSuffix(filepath.Base(socketPath), filepath.Ext(socketPath))
	return strings.TrimPrefix(name, "vstbridge-")
}
