package monitor

import (
	"io"

	"github.com/banshee-data/lattice.flow/internal/monitoring"
)

var logs = monitoring.NewStreams("[monitor] ")

// SetLogWriters routes the monitor's ops, diag and trace streams. A nil
// writer disables that stream.
func SetLogWriters(ops, diag, trace io.Writer) {
	logs.SetWriters(ops, diag, trace)
}
