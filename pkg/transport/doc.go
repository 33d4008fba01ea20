// Package transport owns the TCP socket of one Baichuan connection: it
// dials, serializes writes, runs the read loop, and tracks the connection
// state machine. A Conn is single-use; reconnection creates a fresh Conn.
package transport
