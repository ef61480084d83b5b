package storage

import (
	"io"
	"log"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// Option configures a LockManager or PageCache. Neither component takes a
// config-file or env loader (no repo in the retrieved pack wires one into
// this layer); options are plain constructor parameters in the teacher's
// style.
type Option func(*options)

type options struct {
	logger *log.Logger
}

func newOptions(opts []Option) *options {
	o := &options{logger: discardLogger()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger directs diagnostic tracing (deadlock aborts, page fetches,
// evictions) to l instead of discarding it.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}
