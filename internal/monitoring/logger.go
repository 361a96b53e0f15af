// Package monitoring holds the logging plumbing shared by the simulation
// packages and a throughput meter for solver progress reports.
package monitoring

import "log"

// Logf prints the per-checkpoint progress lines of the command line tools.
// It defaults to log.Printf.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces Logf. A nil f mutes progress lines.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
