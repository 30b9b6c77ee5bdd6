package log

import (
	"io"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotatingFile returns a writer that rotates the log file at path once it
// reaches maxSizeMB, keeping maxBackups old files.
func RotatingFile(path string, maxSizeMB, maxBackups int) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}
}
