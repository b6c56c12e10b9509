// Package notifier delivers short operator and conversation notices through
// the messaging collaborator.
//
// Notices are queued and sent by a small worker pool with a shared rate
// limit, bounded retries and an optional dedup window, so callers such as
// the checklist engine never block on the network.
//
// # Checklist progress
//
// Service implements checklist.Observer: every interactive checklist
// mutation becomes a one-line progress notice posted in the execution's
// conversation thread.
package notifier
