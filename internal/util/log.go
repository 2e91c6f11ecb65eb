// Package util provides logging and traffic statistics shared by the SDK
// and the command-line tools.
package util

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
)

// logger writes to stderr so application data on stdout stays clean when a
// tool bridges a data channel to its standard streams.
var logger = pterm.DefaultLogger.
	WithWriter(os.Stderr).
	WithTime(true).
	WithTimeFormat("15:04:05.000").
	WithMaxWidth(120)

func LogDebug(format string, args ...any) {
	logger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...any) {
	logger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...any) {
	logger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...any) {
	logger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug lowers the log threshold so LogDebug output becomes visible.
func EnableDebug() {
	logger.Level = pterm.LogLevelDebug
}
