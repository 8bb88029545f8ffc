// File: api/transport.go
// Author: momentics <momentics@gmail.com>
//
// TransportFeatures describes capability flags a concrete connection
// implementation advertises to generic callers (kept from the teacher's
// capability-negotiation convention, retargeted at the shared-memory
// Connection instead of a socket NetConn).

package api

// TransportFeatures advertises what a Connection implementation supports.
type TransportFeatures struct {
	ZeroCopy  bool
	Streaming bool
	Batch     bool
}
