package geometry

import (
	"io"

	"github.com/banshee-data/lattice.flow/internal/monitoring"
)

var logs = monitoring.NewStreams("[geometry] ")

// SetLogWriters configures the logging streams for the geometry package.
func SetLogWriters(ops, diag, trace io.Writer) {
	logs.SetWriters(ops, diag, trace)
}
