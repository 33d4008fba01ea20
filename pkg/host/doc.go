// Package host is the top of the stack: one Host per Baichuan device.
// It owns the TCP session, performs the login handshake and cipher
// negotiation, correlates commands with responses, routes push events
// to registered callbacks, polls device state with wake awareness and
// recovers transparently from connection loss.
package host
