package db

import (
	"io"

	"github.com/banshee-data/lattice.flow/internal/monitoring"
)

var logs = monitoring.NewStreams("[db] ")

// SetLogWriters configures the logging streams for the db package.
func SetLogWriters(ops, diag, trace io.Writer) {
	logs.SetWriters(ops, diag, trace)
}
