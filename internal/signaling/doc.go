// Package signaling implements the room-based WebSocket signaling surface:
// rooms, membership, and opaque SDP/ICE relay between room members.
//
// The server never inspects SDP or candidate payloads; negotiation semantics
// live entirely in the peers.
package signaling
