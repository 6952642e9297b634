// Package lwp implements the subset of the LEGO Wireless Protocol 3.0 used to drive
// Powered-Up and Technic hubs, together with the framing spoken between device
// proxies and the gateway that owns the BLE link.
//
// The package provides:
//   - Protocol constants: message types, ports, feedback bits, hub actions and alerts
//   - Downstream commands implementing Command, framed with Frame
//   - Upstream notifications implementing Message, parsed with Decode
//   - Stream helpers for the proxy and gateway sides of a TCP connection
//
// Multi-byte integers are little-endian throughout. Every LWP message begins with
// its own length byte followed by the hub id (always 0x00) and the message type.
package lwp
