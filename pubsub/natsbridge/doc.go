// Package natsbridge republishes the notifications of a pubsub topic to NATS.
//
// Each notification becomes a CloudEvents JSON envelope on the subject <prefix>.<topic>.<name>, so a
// tail running in one process can feed consumers that never touch the database. Publishing is best
// effort: failures are logged and counted, never returned to the tail.
package natsbridge
