// Package queue implements the transactional queue/session engine for the
// broadcast slot.
//
// The engine owns four kinds of state: the singleton session, the queue
// items, the payment receipts, and the per-token cooldowns. All mutations
// run inside a single atomic store transaction, so concurrent admissions
// and ticks are linearized by the backend and partial writes are never
// observable.
//
// Selection is a static priority queue: highest PriorityLevel wins, ties
// break by earliest CreatedAt. An active item is never preempted; it only
// leaves the slot by expiry.
package queue
