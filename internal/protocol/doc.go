// Package protocol defines the message shapes exchanged with clients.
// Every response kind is a distinct tagged struct rather than an untyped
// map, so both the HTTP and WebSocket adapters serialize exhaustively and
// clients never observe an ill-formed combination of fields.
package protocol
