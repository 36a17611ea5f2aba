// Package log provides structured logging with a small key/value call style:
//
//	log.Debug("attached image", "device", dev.Path)
package log

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

var logger = logrus.New()

// Setup configures the process-wide logger. Verbose enables debug output.
func Setup(verbose bool) {
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
	})

	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
}

// Debug logs a message at debug level with optional key/value pairs.
func Debug(msg string, kv ...any) {
	logger.WithFields(fields(kv)).Debug(msg)
}

// Info logs a message at info level with optional key/value pairs.
func Info(msg string, kv ...any) {
	logger.WithFields(fields(kv)).Info(msg)
}

// Warn logs a message at warning level with optional key/value pairs.
func Warn(msg string, kv ...any) {
	logger.WithFields(fields(kv)).Warn(msg)
}

// Error logs a message at error level with optional key/value pairs.
func Error(msg string, kv ...any) {
	logger.WithFields(fields(kv)).Error(msg)
}

// fields pairs up the variadic key/value list. A trailing value without a
// key is kept under "extra" rather than dropped.
func fields(kv []any) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		f[key] = kv[i+1]
	}

	if len(kv)%2 != 0 {
		f["extra"] = kv[len(kv)-1]
	}

	return f
}
