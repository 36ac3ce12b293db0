package transport

import (
	"io"
	"os"
)

// newStdioTransport creates a stream transport over the process's standard
// streams, or over config.Reader and config.Writer when they are set.
// Logging must not go to stdout while this transport is in use.
func newStdioTransport(config TransportConfig) (Transport, error) {
	reader := config.Reader
	writer := config.Writer

	if reader == nil {
		reader = os.Stdin
	}
	if writer == nil {
		writer = os.Stdout
	}

	var closers []io.Closer
	if c, ok := reader.(io.Closer); ok {
		closers = append(closers, c)
	}

	return newStreamTransport(TransportTypeStdio, reader, writer, config, closers...)
}
