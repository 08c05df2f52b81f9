// Package sessionkernel is the core of the session slot service: a single
// broadcast slot, funded by verified on-chain payments, arbitrated across
// many racing clients.
//
// The kernel is a set of composable packages; cmd/sessionkerneld wires
// them into the production service. Configure a store and compose:
//
//	cfg := sessionkernel.DefaultConfig()
//	eng := queue.NewEngine(st, cfg)
//	ver := payment.NewVerifier(cfg)
//
// # Architecture
//
// The kernel follows a composable store pattern where each subsystem
// (queue, ratelimit) defines its own store interface. A single backend
// implements all of them; store/mongo is the production backend and
// store/memory serves tests and development.
//
// All consistency-critical state (session, queue, receipts, cooldowns)
// is mutated exclusively inside multi-document store transactions, so
// concurrent admissions and ticks are linearized by the backend.
//
// Queue item IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package sessionkernel
