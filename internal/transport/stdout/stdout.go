// Package stdout implements a Transport that prints deliveries to standard
// output, for development and local testing.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Transport prints outgoing deliveries to stdout in a human-readable format.
type Transport struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Transport that writes to os.Stdout.
func New() *Transport {
	return &Transport{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Transport that writes to the given
// writer. This is useful for testing.
func NewWithWriter(w io.Writer) *Transport {
	return &Transport{writer: w}
}

// Send prints the delivery to stdout. It always succeeds.
func (t *Transport) Send(_ context.Context, from, recipient string, data []byte) error {
	fmt.Fprintf(t.writer, "========================================\n")
	fmt.Fprintf(t.writer, "Envelope-From: %s\n", from)
	fmt.Fprintf(t.writer, "Envelope-To: %s\n", recipient)
	fmt.Fprintf(t.writer, "%s\n", data)
	fmt.Fprintf(t.writer, "========================================\n")
	return nil
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "stdout"
}
