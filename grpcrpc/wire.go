// Package grpcrpc is the GlobalRPC transport: a small request/response
// protocol carried over an onion-routed N2R socket instead of a real
// stream, so relays can expose DHT and haven-registration calls to peers
// that only ever reach them through the overlay. The name is historical
// (spec.md's component table calls this component "GlobalRPC"); the wire
// format is plain JSON, not gRPC, see DESIGN.md for why.
package grpcrpc

import (
	"encoding/json"

	"github.com/earendil-go/earendil/crypt"
)

// requestFrame is the body of every call a Client issues: a correlation
// ID so responses can be demuxed off a socket shared by many in-flight
// calls, a method name, and its JSON-encoded argument.
type requestFrame struct {
	ID      [16]byte        `json:"id"`
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// responseFrame answers one requestFrame by ID. Error is non-empty on
// failure, in which case Payload is unset.
type responseFrame struct {
	ID      [16]byte        `json:"id"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Method names for the calls this package's client/server pair carries.
// Kept as plain strings (rather than an enum) since handlers are
// registered by name on the server side.
const (
	MethodRegisterHaven = "RegisterHaven"
	MethodPutLocator    = "PutLocator"
	MethodGetLocator    = "GetLocator"
)

// PutLocatorReq/GetLocatorReq/GetLocatorResp carry the DHT calls'
// arguments; the locator itself travels as its own wire encoding
// (record.EncodeHavenLocator) rather than a re-marshaled struct, so the
// signature stays identical to what a relay independently verifies.
// Exported so a server-side handler (daemon's relay wiring) can decode
// the same shape the client encodes, without a second copy of the schema.
type PutLocatorReq struct {
	Locator []byte `json:"locator"`
}

type GetLocatorReq struct {
	Key crypt.Fingerprint `json:"key"`
}

type GetLocatorResp struct {
	Locator []byte `json:"locator"`
}
