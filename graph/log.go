package graph

import "github.com/btcsuite/btclog"

// log is this package's logger, disabled until the daemon wires a real
// backend in with UseLogger at startup.
var log btclog.Logger = btclog.Disabled

// UseLogger sets the logger used by this package. Called once by package
// daemon during startup, mirroring the teacher's per-package UseLogger
// convention.
func UseLogger(logger btclog.Logger) {
	log = logger
}
