package output

import (
	"io"

	"github.com/banshee-data/lattice.flow/internal/monitoring"
)

var logs = monitoring.NewStreams("[output] ")

// SetLogWriters configures the logging streams for the output package.
func SetLogWriters(ops, diag, trace io.Writer) {
	logs.SetWriters(ops, diag, trace)
}
