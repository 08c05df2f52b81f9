// Package memory provides a fully in-memory implementation of the kernel
// store interfaces. Safe for concurrent access. Intended for unit testing
// and development.
package memory

import (
	"context"
	"time"

	"sync"

	"github.com/sessionmint/sessionkernelxyz/queue"
	"github.com/sessionmint/sessionkernelxyz/ratelimit"
)

// Ensure Store implements all subsystem interfaces at compile time.
var (
	_ queue.Store     = (*Store)(nil)
	_ ratelimit.Store = (*Store)(nil)
)

// Store is an in-memory implementation of queue.Store and
// ratelimit.Store. A single mutex serializes transactions, which gives
// the same linearization guarantee the production backend provides.
type Store struct {
	mu sync.Mutex

	session   *queue.SessionState
	items     map[string]*queue.Item    // key: item ID
	receipts  map[string]*queue.Receipt // key: signature
	cooldowns map[string]*queue.Cooldown
	counters  map[string]*ratelimit.Window

	// failNextUpdate makes the next Update call fail; tests use it to
	// exercise rollback paths.
	failNextUpdate error
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		items:     make(map[string]*queue.Item),
		receipts:  make(map[string]*queue.Receipt),
		cooldowns: make(map[string]*queue.Cooldown),
		counters:  make(map[string]*ratelimit.Window),
	}
}

// FailNextUpdate arms a one-shot failure for the next Update call.
func (s *Store) FailNextUpdate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextUpdate = err
}

// ──────────────────────────────────────────────────
// queue.Store
// ──────────────────────────────────────────────────

// Update runs fn against a staged copy of the state and commits the
// staged writes only when fn succeeds.
func (s *Store) Update(_ context.Context, fn func(tx queue.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNextUpdate != nil {
		err := s.failNextUpdate
		s.failNextUpdate = nil
		return err
	}

	tx := &memTx{store: s}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// ReadState returns copies of the session and queued items.
func (s *Store) ReadState(_ context.Context) (*queue.SessionState, []*queue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Clone(), s.queuedLocked(), nil
}

// ReadCooldown returns a copy of the cooldown record, or nil.
func (s *Store) ReadCooldown(_ context.Context, tokenMint string) (*queue.Cooldown, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cd, ok := s.cooldowns[tokenMint]
	if !ok {
		return nil, nil
	}
	cp := *cd
	return &cp, nil
}

func (s *Store) queuedLocked() []*queue.Item {
	queued := make([]*queue.Item, 0, len(s.items))
	for _, it := range s.items {
		if it.Status == queue.StatusQueued {
			queued = append(queued, it.Clone())
		}
	}
	return queued
}

// memTx stages writes until commit. Reads observe the committed state,
// so the engine's read-then-write discipline sees a consistent snapshot.
type memTx struct {
	store *Store

	stagedItems     []*queue.Item
	stagedReceipts  []*queue.Receipt
	stagedCooldowns []*queue.Cooldown
	stagedSession   *queue.SessionState
}

func (tx *memTx) Session() (*queue.SessionState, error) {
	return tx.store.session.Clone(), nil
}

func (tx *memTx) QueuedItems() ([]*queue.Item, error) {
	return tx.store.queuedLocked(), nil
}

func (tx *memTx) Receipt(signature string) (*queue.Receipt, error) {
	r, ok := tx.store.receipts[signature]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (tx *memTx) Cooldown(tokenMint string) (*queue.Cooldown, error) {
	cd, ok := tx.store.cooldowns[tokenMint]
	if !ok {
		return nil, nil
	}
	cp := *cd
	return &cp, nil
}

func (tx *memTx) PutItem(item *queue.Item) error {
	tx.stagedItems = append(tx.stagedItems, item.Clone())
	return nil
}

func (tx *memTx) PutReceipt(receipt *queue.Receipt) error {
	cp := *receipt
	tx.stagedReceipts = append(tx.stagedReceipts, &cp)
	return nil
}

func (tx *memTx) PutCooldown(cooldown *queue.Cooldown) error {
	cp := *cooldown
	tx.stagedCooldowns = append(tx.stagedCooldowns, &cp)
	return nil
}

func (tx *memTx) PutSession(state *queue.SessionState) error {
	tx.stagedSession = state.Clone()
	return nil
}

func (tx *memTx) commit() {
	for _, it := range tx.stagedItems {
		tx.store.items[it.ID.String()] = it
	}
	for _, r := range tx.stagedReceipts {
		tx.store.receipts[r.Signature] = r
	}
	for _, cd := range tx.stagedCooldowns {
		tx.store.cooldowns[cd.TokenMint] = cd
	}
	if tx.stagedSession != nil {
		tx.store.session = tx.stagedSession
	}
}

// ──────────────────────────────────────────────────
// ratelimit.Store
// ──────────────────────────────────────────────────

// Hit applies the fixed-window reset-or-increment rule and returns the
// count within the current window.
func (s *Store) Hit(_ context.Context, key string, window time.Duration, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.counters[key]
	if !ok || now.Sub(w.Start) > window {
		s.counters[key] = &ratelimit.Window{Start: now, Count: 1}
		return 1, nil
	}

	w.Count++
	return w.Count, nil
}
