package threshold

import (
	"io"
	"log"
)

var (
	opsLogger  *log.Logger
	diagLogger *log.Logger
)

// SetLogWriters configures the two logging streams used by this package.
func SetLogWriters(ops, diag io.Writer) {
	opsLogger = newLogger("[threshold] ", ops)
	diagLogger = newLogger("[threshold] ", diag)
}

// SetLegacyLogger routes both streams to a single writer.
func SetLegacyLogger(w io.Writer) {
	SetLogWriters(w, w)
}

func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

func opsf(format string, args ...interface{}) {
	if opsLogger != nil {
		opsLogger.Printf(format, args...)
	}
}

func diagf(format string, args ...interface{}) {
	if diagLogger != nil {
		diagLogger.Printf(format, args...)
	}
}
