// Package session owns connector<->server session primitives.
//
// Ownership boundary:
// - reliability defaults (timeouts, backoff, ack deadline)
// - reconnect backoff math and attempt tracking
// - pending request table keyed by correlation id
// - client transport security validation
package session
