package daemon

import "github.com/btcsuite/btclog"

// log is this package's logger, disabled until initLogging installs the
// real stderr backend during New.
var log btclog.Logger = btclog.Disabled
