package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/sessionmint/sessionkernelxyz/queue"
	"github.com/sessionmint/sessionkernelxyz/ratelimit"
)

// Collection name constants.
const (
	colSessions   = "kernel_sessions"
	colQueue      = "kernel_queue"
	colReceipts   = "kernel_receipts"
	colCooldowns  = "kernel_cooldowns"
	colRateLimits = "kernel_rate_limits"
)

// Ensure Store implements all subsystem interfaces at compile time.
var (
	_ queue.Store     = (*Store)(nil)
	_ ratelimit.Store = (*Store)(nil)
)

// Store is a MongoDB implementation of the queue and rate-limit stores.
// The caller owns the *mongo.Client lifecycle; Store never closes it.
type Store struct {
	client *mongod.Client
	db     *mongod.Database
	appID  string
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a MongoDB store over the named database. The session
// document is keyed by appID.
func New(client *mongod.Client, database, appID string, opts ...Option) *Store {
	s := &Store{
		client: client,
		db:     client.Database(database),
		appID:  appID,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates indexes for all kernel collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := migrationIndexes()

	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}

		_, err := s.db.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("sessionkernel/mongo: migrate %s indexes: %w", col, err)
		}
	}

	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close is a no-op because the caller owns the client lifecycle.
func (s *Store) Close() error {
	return nil
}

// ── queue store ──────────────────────────────────────────────────

// Update runs fn inside a multi-document transaction. Errors returned
// by fn abort the transaction and are surfaced unchanged, so tagged
// conflict errors pass through without rewrapping.
func (s *Store) Update(ctx context.Context, fn func(queue.Tx) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("sessionkernel/mongo: start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(txCtx context.Context) (any, error) {
		return nil, fn(&mongoTx{ctx: txCtx, store: s})
	})
	return err
}

// ReadState returns the session document and the queued items without
// opening a transaction.
func (s *Store) ReadState(ctx context.Context) (*queue.SessionState, []*queue.Item, error) {
	session, err := s.readSession(ctx)
	if err != nil {
		return nil, nil, err
	}
	items, err := s.readQueued(ctx)
	if err != nil {
		return nil, nil, err
	}
	return session, items, nil
}

// ReadCooldown returns the cooldown record for a token, or nil.
func (s *Store) ReadCooldown(ctx context.Context, tokenMint string) (*queue.Cooldown, error) {
	var m cooldownModel
	err := s.db.Collection(colCooldowns).
		FindOne(ctx, bson.M{"_id": tokenMint}).
		Decode(&m)
	if isNoDocuments(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sessionkernel/mongo: read cooldown: %w", err)
	}
	return fromCooldownModel(&m), nil
}

func (s *Store) readSession(ctx context.Context) (*queue.SessionState, error) {
	var m sessionModel
	err := s.db.Collection(colSessions).
		FindOne(ctx, bson.M{"_id": s.appID}).
		Decode(&m)
	if isNoDocuments(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sessionkernel/mongo: read session: %w", err)
	}
	return fromSessionModel(&m)
}

func (s *Store) readQueued(ctx context.Context) ([]*queue.Item, error) {
	cursor, err := s.db.Collection(colQueue).
		Find(ctx, bson.M{"status": string(queue.StatusQueued)})
	if err != nil {
		return nil, fmt.Errorf("sessionkernel/mongo: read queue: %w", err)
	}
	defer cursor.Close(ctx)

	var items []*queue.Item
	for cursor.Next(ctx) {
		var m itemModel
		if err := cursor.Decode(&m); err != nil {
			return nil, fmt.Errorf("sessionkernel/mongo: decode item: %w", err)
		}
		item, err := fromItemModel(&m)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("sessionkernel/mongo: iterate queue: %w", err)
	}
	return items, nil
}

// mongoTx adapts one transaction's session context to the queue.Tx
// contract. All reads and writes share txCtx so Mongo keeps them inside
// the same transaction.
type mongoTx struct {
	ctx   context.Context
	store *Store
}

var _ queue.Tx = (*mongoTx)(nil)

func (tx *mongoTx) Session() (*queue.SessionState, error) {
	return tx.store.readSession(tx.ctx)
}

func (tx *mongoTx) QueuedItems() ([]*queue.Item, error) {
	return tx.store.readQueued(tx.ctx)
}

func (tx *mongoTx) Receipt(signature string) (*queue.Receipt, error) {
	var m receiptModel
	err := tx.store.db.Collection(colReceipts).
		FindOne(tx.ctx, bson.M{"_id": signature}).
		Decode(&m)
	if isNoDocuments(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sessionkernel/mongo: read receipt: %w", err)
	}
	return fromReceiptModel(&m), nil
}

func (tx *mongoTx) Cooldown(tokenMint string) (*queue.Cooldown, error) {
	return tx.store.ReadCooldown(tx.ctx, tokenMint)
}

func (tx *mongoTx) PutItem(item *queue.Item) error {
	return tx.replace(colQueue, item.ID.String(), toItemModel(item))
}

func (tx *mongoTx) PutReceipt(receipt *queue.Receipt) error {
	return tx.replace(colReceipts, receipt.Signature, toReceiptModel(receipt))
}

func (tx *mongoTx) PutCooldown(cooldown *queue.Cooldown) error {
	return tx.replace(colCooldowns, cooldown.TokenMint, toCooldownModel(cooldown))
}

func (tx *mongoTx) PutSession(session *queue.SessionState) error {
	return tx.replace(colSessions, session.AppID, toSessionModel(session))
}

func (tx *mongoTx) replace(col, docID string, doc any) error {
	_, err := tx.store.db.Collection(col).ReplaceOne(tx.ctx,
		bson.M{"_id": docID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("sessionkernel/mongo: write %s: %w", col, err)
	}
	return nil
}

// ── rate-limit store ─────────────────────────────────────────────

// Hit atomically resets-or-increments a fixed-window counter and
// returns the count after this hit. The reset-vs-increment choice runs
// inside an aggregation-pipeline update so concurrent hits serialize on
// the document.
func (s *Store) Hit(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-window)
	expired := bson.M{"$lte": bson.A{
		bson.M{"$ifNull": bson.A{"$window_start", time.Time{}}},
		cutoff,
	}}

	update := bson.A{bson.M{"$set": bson.M{
		"window_start": bson.M{"$cond": bson.A{expired, now, "$window_start"}},
		"count": bson.M{"$cond": bson.A{
			expired,
			1,
			bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$count", 0}}, 1}},
		}},
	}}}

	var m counterModel
	err := s.db.Collection(colRateLimits).
		FindOneAndUpdate(ctx, bson.M{"_id": key}, update,
			options.FindOneAndUpdate().
				SetUpsert(true).
				SetReturnDocument(options.After)).
		Decode(&m)
	if err != nil {
		return 0, fmt.Errorf("sessionkernel/mongo: hit counter: %w", err)
	}
	return m.Count, nil
}

// ── helpers ──────────────────────────────────────────────────────

// isNoDocuments returns true when err indicates no MongoDB documents found.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all kernel collections.
func migrationIndexes() map[string][]mongod.IndexModel {
	return map[string][]mongod.IndexModel{
		colQueue: {
			// Selection index: queued items by priority then age.
			{Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "priority_level", Value: -1},
				{Key: "created_at", Value: 1},
			}},
			// Standard-tier admission checks look tokens up by mint.
			{Keys: bson.D{
				{Key: "token_mint", Value: 1},
				{Key: "status", Value: 1},
			}},
		},
		colCooldowns: {
			{Keys: bson.D{{Key: "ends_at", Value: 1}}},
		},
		colRateLimits: {
			{Keys: bson.D{{Key: "window_start", Value: 1}}},
		},
	}
}
