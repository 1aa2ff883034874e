// Package logging wires logrus through dlib/dlog and attaches it to a
// context.Context, matching cmd/traffic/logger.go's makeBaseLogger: a
// logrus.Logger formatted and leveled, wrapped by dlog.WrapLogrus, with
// dlog.WithLogger making it retrievable from any derived context.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds a base context carrying a logrus logger at level and writing to
// file (or stdout when file == "" or "stdout"), rotated once it reaches
// maxSizeKB rounded down to whole megabytes, with a floor of 1 MB; sizes
// below 1 MB are not honored.
func New(ctx context.Context, level, file string, maxSizeKB int) context.Context {
	logger := logrus.New()
	logger.SetLevel(parseLevel(level))
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(openOutput(file, maxSizeKB))

	return dlog.WithLogger(ctx, dlog.WrapLogrus(logger))
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func openOutput(file string, maxSizeKB int) io.Writer {
	if file == "" || file == "stdout" {
		return os.Stdout
	}
	maxMB := maxSizeKB / 1024
	if maxMB < 1 {
		maxMB = 1
	}
	return &lumberjack.Logger{
		Filename: file,
		MaxSize:  maxMB,
		Compress: true,
	}
}

// MustLogf is a startup-time helper for fatal configuration errors, used
// before the context-carried logger exists (per the spec, "configuration
// error: panic during startup").
func MustLogf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
