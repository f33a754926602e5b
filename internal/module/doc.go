// Package module implements the connection to a single module: owning its
// backing process when it is managed, connecting its control socket,
// running the GET_PCOMMS handshake and sending commands.
//
// The lifecycle is
//
//	Unregistered -> Connecting -> Connected -> Ready -> Closing -> Closed
//
// with Connecting -> Unregistered taken when the connect fails. A module
// that never answers the handshake stays Connected.
//
// All writes to a module go through one mutex, so direct commands and
// callbacks forwarded by the broker never interleave on the stream.
package module
