package api

import (
	"io"
	"log"
)

var opsLogger *log.Logger

// SetLogWriters configures the logging stream used by this package.
func SetLogWriters(ops io.Writer) {
	if ops == nil {
		opsLogger = nil
		return
	}
	opsLogger = log.New(ops, "[api] ", log.LstdFlags|log.Lmicroseconds)
}

func opsf(format string, args ...interface{}) {
	if opsLogger != nil {
		opsLogger.Printf(format, args...)
	}
}
