package queue

import "context"

// Tx is the view of kernel state inside one atomic transaction. Reads
// observe a consistent snapshot; writes are staged and either commit
// entirely or not at all. Perform all reads before the first write.
type Tx interface {
	// Session returns the singleton session state, or nil when no
	// session document exists yet.
	Session() (*SessionState, error)

	// QueuedItems returns all items with status queued, in no
	// particular order.
	QueuedItems() ([]*Item, error)

	// Receipt returns the receipt for a signature, or nil when the
	// signature has never been consumed.
	Receipt(signature string) (*Receipt, error)

	// Cooldown returns the cooldown record for a token mint, or nil
	// when none exists.
	Cooldown(tokenMint string) (*Cooldown, error)

	// PutItem stages an item write (insert or full replace by ID).
	PutItem(item *Item) error

	// PutReceipt stages a receipt write keyed by signature.
	PutReceipt(receipt *Receipt) error

	// PutCooldown stages a cooldown write keyed by token mint.
	PutCooldown(cooldown *Cooldown) error

	// PutSession stages the session singleton write.
	PutSession(state *SessionState) error
}

// Store is the persistence contract for the queue engine. The engine is
// the only component that mutates session, queue, receipt, and cooldown
// state, and it does so exclusively through Update.
type Store interface {
	// Update runs fn inside one atomic transaction spanning the
	// session, queue, receipts, and cooldowns. If fn returns an
	// error the transaction is rolled back and that error is
	// returned unchanged; backend failures are returned wrapped.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// ReadState returns the session (nil when absent) and all queued
	// items, without mutating anything.
	ReadState(ctx context.Context) (*SessionState, []*Item, error)

	// ReadCooldown returns the cooldown record for a token mint, or
	// nil when none exists.
	ReadCooldown(ctx context.Context, tokenMint string) (*Cooldown, error)
}
