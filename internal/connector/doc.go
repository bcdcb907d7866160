// Package connector mirrors replicants from a show-control server and sends
// correlated commands to it.
//
// Ownership boundary:
// - connection lifecycle and reconnect backoff
//
// - bundle manifest negotiation and verdicts
//
// - replicant store, subscriptions and change notifications
//
// - command dispatch and ack correlation
//
// - intrinsic command and status descriptors
//
// Lifecycle order:
// - idle -> connecting -> syncing -> live
//
// - any state but closed -> reconnecting -> connecting
//
// - closed is terminal.
//
// The connector never interprets replicant values and never owns framing;
// both belong to callers and to package transport respectively.
package connector
