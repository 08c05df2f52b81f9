// Package tick drives queue advancement from outside request handlers.
//
// The callback scheduler arms a delayed self-callback at an item's
// expiry so the slot turns over promptly. It is fire-and-forget:
// scheduling failures are logged, never surfaced, because the periodic
// safety-net runner advances the queue regardless. Correctness never
// depends on a tick arriving.
package tick
