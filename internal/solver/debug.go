package solver

import (
	"io"

	"github.com/banshee-data/lattice.flow/internal/monitoring"
)

var logs = monitoring.NewStreams("[solver] ")

// SetLogWriters configures the three logging streams for the solver package.
// Pass nil for any writer to disable that stream.
func SetLogWriters(ops, diag, trace io.Writer) {
	logs.SetWriters(ops, diag, trace)
}
