package queue

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sessionkernel "github.com/sessionmint/sessionkernelxyz"
)

// tracerName is the instrumentation scope name for engine tracing.
const tracerName = "github.com/sessionmint/sessionkernelxyz/queue"

// Engine is the queue/session state machine. It admits verified
// payments, activates and expires items, and keeps the session revision
// strictly increasing across all mutations.
type Engine struct {
	store  Store
	cfg    sessionkernel.Config
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the structured logger for the engine.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides the engine clock. Tests use this to drive expiry
// deterministically.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithTracer sets the tracer used for mutation spans. The global
// provider's noop tracer is used by default.
func WithTracer(tracer trace.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = tracer }
}

// NewEngine creates an Engine over the given store and configuration.
func NewEngine(store Store, cfg sessionkernel.Config, opts ...EngineOption) *Engine {
	e := &Engine{
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enqueue atomically admits a verified token into the queue and, when
// the slot is idle, immediately activates the selection winner. The
// receipt write shares the transaction with the item writes, so a racing
// duplicate signature can never produce two admissions.
func (e *Engine) Enqueue(ctx context.Context, in EnqueueInput) (*EnqueueResult, error) {
	ctx, span := e.tracer.Start(ctx, "sessionkernel.queue.enqueue",
		trace.WithAttributes(
			attribute.String("queue.token_mint", in.TokenMint),
			attribute.String("queue.tier", string(in.Tier)),
			attribute.String("queue.payment_method", string(in.PaymentMethod)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	if in.PaymentTier != in.Tier {
		err := NewError(KindInvalidTier, "payment tier and queue tier must match")
		span.SetStatus(codes.Error, err.Message)
		return nil, err
	}

	var result *EnqueueResult

	err := e.store.Update(ctx, func(tx Tx) error {
		now := e.now()

		session, err := tx.Session()
		if err != nil {
			return err
		}
		if session == nil {
			session = DefaultSessionState(e.cfg, now)
		}

		queued, err := tx.QueuedItems()
		if err != nil {
			return err
		}

		cooldown, err := tx.Cooldown(in.TokenMint)
		if err != nil {
			return err
		}

		receipt, err := tx.Receipt(in.Signature)
		if err != nil {
			return err
		}
		if receipt != nil {
			return NewError(KindReplay, "this transaction signature has already been used")
		}

		current, _, err := e.expireActiveItem(tx, session.CurrentItem, now)
		if err != nil {
			return err
		}

		if in.Tier == sessionkernel.TierStandard {
			if blockErr := standardTierBlock(current, queued, cooldown, in.TokenMint, now); blockErr != nil {
				return blockErr
			}
		}

		newItem := NewItem(e.cfg, in.TokenMint, in.WalletAddress, in.Tier, now)
		persisted := newItem
		var activated *Item

		if current == nil {
			candidates := make([]*Item, 0, len(queued)+1)
			candidates = append(candidates, queued...)
			candidates = append(candidates, newItem)
			if winner := selectNext(candidates); winner != nil {
				activated = winner.Activated(now)
				current = activated
				if err := tx.PutItem(activated); err != nil {
					return err
				}
				if activated.ID.String() == newItem.ID.String() {
					persisted = activated
				}
			}
		}

		if activated == nil || activated.ID.String() != newItem.ID.String() {
			if err := tx.PutItem(newItem); err != nil {
				return err
			}
		}

		if err := tx.PutReceipt(&Receipt{
			Signature:     in.Signature,
			TokenMint:     in.TokenMint,
			WalletAddress: in.WalletAddress,
			PaymentMethod: in.PaymentMethod,
			PaymentTier:   in.PaymentTier,
			Amount:        in.VerifiedAmount,
			VerifiedAt:    now,
		}); err != nil {
			return err
		}

		if err := e.putSession(tx, session, current, now); err != nil {
			return err
		}

		result = &EnqueueResult{Item: persisted, ActivatedItem: activated}
		return nil
	})
	if err != nil {
		qErr := AsError(err)
		span.SetStatus(codes.Error, qErr.Message)
		return nil, qErr
	}

	e.logger.Info("token enqueued",
		slog.String("item_id", result.Item.ID.String()),
		slog.String("token_mint", in.TokenMint),
		slog.String("tier", string(in.Tier)),
		slog.Bool("activated", result.ActivatedItem != nil),
	)
	span.SetStatus(codes.Ok, "")

	return result, nil
}

// Advance is the self-driving tick: it lazily expires the active item,
// writes its cooldown, and activates the next selection winner. The call
// is an idempotent no-op when nothing has elapsed; only real changes
// bump the revision.
func (e *Engine) Advance(ctx context.Context, reason TickReason) (*TickResult, error) {
	ctx, span := e.tracer.Start(ctx, "sessionkernel.queue.advance",
		trace.WithAttributes(attribute.String("queue.tick_reason", string(reason))),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	var result *TickResult

	err := e.store.Update(ctx, func(tx Tx) error {
		now := e.now()

		session, err := tx.Session()
		if err != nil {
			return err
		}
		if session == nil {
			session = DefaultSessionState(e.cfg, now)
		}

		queued, err := tx.QueuedItems()
		if err != nil {
			return err
		}

		previousToken := session.CurrentToken
		if previousToken == "" {
			previousToken = e.cfg.DefaultTokenMint
		}
		previousItem := session.CurrentItem
		previousDevice := session.Device

		current, expired, err := e.expireActiveItem(tx, session.CurrentItem, now)
		if err != nil {
			return err
		}

		changed := expired
		var activated *Item

		if current == nil {
			if winner := selectNext(queued); winner != nil {
				activated = winner.Activated(now)
				current = activated
				if err := tx.PutItem(activated); err != nil {
					return err
				}
				changed = true
			}
		}

		nextToken := e.cfg.DefaultTokenMint
		nextDevice := WaitingDeviceState()
		if current != nil {
			nextToken = current.TokenMint
			nextDevice = ActiveDeviceState(current)
		}

		shouldPersist := changed ||
			previousToken != nextToken ||
			!sameItem(previousItem, current) ||
			previousDevice != nextDevice

		if shouldPersist {
			if err := e.putSession(tx, session, current, now); err != nil {
				return err
			}
		}

		result = &TickResult{
			Changed:       changed,
			PreviousToken: previousToken,
			CurrentToken:  nextToken,
			ActivatedItem: activated,
		}
		return nil
	})
	if err != nil {
		qErr := AsError(err)
		span.SetStatus(codes.Error, qErr.Message)
		return nil, qErr
	}

	if result.Changed {
		e.logger.Info("state advanced",
			slog.String("reason", string(reason)),
			slog.String("previous_token", result.PreviousToken),
			slog.String("current_token", result.CurrentToken),
			slog.Bool("activated", result.ActivatedItem != nil),
		)
	}
	span.SetStatus(codes.Ok, "")

	return result, nil
}

// CooldownStatus runs the same three-way admission check as standard
// tier enqueue, read-only: active-and-unexpired, already-queued, and
// stored-cooldown-unelapsed.
func (e *Engine) CooldownStatus(ctx context.Context, tokenMint string) (*CooldownStatus, error) {
	now := e.now()

	session, queued, err := e.store.ReadState(ctx)
	if err != nil {
		return nil, AsError(err)
	}

	if session != nil && activeHolds(session.CurrentItem, tokenMint, now) {
		ends := session.CurrentItem.ExpiresAt
		return &CooldownStatus{
			InCooldown: true,
			Message:    "token is currently active",
			EndsAt:     &ends,
		}, nil
	}

	for _, it := range queued {
		if it.TokenMint == tokenMint {
			return &CooldownStatus{
				InCooldown: true,
				Message:    "token is already in queue",
			}, nil
		}
	}

	cooldown, err := e.store.ReadCooldown(ctx, tokenMint)
	if err != nil {
		return nil, AsError(err)
	}
	if cooldown != nil && !cooldown.Elapsed(now) {
		return &CooldownStatus{
			InCooldown: true,
			Message:    cooldownMessage(cooldown.EndsAt, now),
			EndsAt:     &cooldown.EndsAt,
		}, nil
	}

	return &CooldownStatus{InCooldown: false}, nil
}

// Snapshot returns the client-facing projection of the current state.
func (e *Engine) Snapshot(ctx context.Context) (*Snapshot, error) {
	withRev, err := e.SnapshotWithRevision(ctx)
	if err != nil {
		return nil, err
	}
	return withRev.Snapshot, nil
}

// SnapshotWithRevision returns the snapshot plus the session revision so
// readers can detect change without deep comparison.
func (e *Engine) SnapshotWithRevision(ctx context.Context) (*SnapshotWithRevision, error) {
	session, queued, err := e.store.ReadState(ctx)
	if err != nil {
		return nil, AsError(err)
	}
	if session == nil {
		session = DefaultSessionState(e.cfg, e.now())
	}

	items := make([]*Item, 0, len(queued))
	for _, it := range queued {
		items = append(items, it.Clone())
	}
	SortQueued(items)

	token := session.CurrentToken
	if token == "" {
		token = e.cfg.DefaultTokenMint
	}

	return &SnapshotWithRevision{
		Snapshot: &Snapshot{
			CurrentToken: token,
			CurrentItem:  session.CurrentItem.Clone(),
			Queue:        items,
			Device:       session.Device,
		},
		Revision:  session.Revision,
		UpdatedAt: session.UpdatedAt,
	}, nil
}

// expireActiveItem lazily retires an active item whose window elapsed:
// it is marked expired and a cooldown is written for its token, inside
// the current transaction. Returns the surviving active item (nil when
// expiry happened) and whether anything changed.
func (e *Engine) expireActiveItem(tx Tx, current *Item, now time.Time) (*Item, bool, error) {
	if current == nil || !current.Expired(now) {
		return current, false, nil
	}

	retired := current.Clone()
	retired.Status = StatusExpired
	if err := tx.PutItem(retired); err != nil {
		return nil, false, err
	}

	if err := tx.PutCooldown(&Cooldown{
		TokenMint: current.TokenMint,
		EndsAt:    now.Add(e.cfg.CooldownWindow),
		UpdatedAt: now,
	}); err != nil {
		return nil, false, err
	}

	return nil, true, nil
}

// putSession writes the session singleton with the next revision.
func (e *Engine) putSession(tx Tx, previous *SessionState, current *Item, now time.Time) error {
	token := e.cfg.DefaultTokenMint
	device := WaitingDeviceState()
	if current != nil {
		token = current.TokenMint
		device = ActiveDeviceState(current)
	}

	return tx.PutSession(&SessionState{
		AppID:        e.cfg.AppID,
		CurrentToken: token,
		CurrentItem:  current,
		Device:       device,
		Revision:     previous.Revision + 1,
		UpdatedAt:    now,
	})
}

// standardTierBlock applies the three-way cooldown rule for standard
// admissions. Priority tier bypasses all of it.
func standardTierBlock(current *Item, queued []*Item, cooldown *Cooldown, tokenMint string, now time.Time) error {
	if activeHolds(current, tokenMint, now) {
		return NewError(KindCooldown, "token is currently active")
	}

	for _, it := range queued {
		if it.TokenMint == tokenMint {
			return NewError(KindCooldown, "token is already in queue")
		}
	}

	if cooldown != nil && !cooldown.Elapsed(now) {
		return NewError(KindCooldown, cooldownMessage(cooldown.EndsAt, now))
	}

	return nil
}

// activeHolds reports whether the active item holds this exact token
// mint and has not yet expired.
func activeHolds(current *Item, tokenMint string, now time.Time) bool {
	if current == nil || current.TokenMint != tokenMint {
		return false
	}
	return !current.Expired(now)
}

// sameItem compares items for the persist-only-if-changed check.
func sameItem(a, b *Item) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID.String() == b.ID.String() && a.Status == b.Status && a.ExpiresAt.Equal(b.ExpiresAt)
}

func cooldownMessage(endsAt, now time.Time) string {
	remaining := int(math.Ceil(endsAt.Sub(now).Seconds()))
	return fmt.Sprintf("token is in cooldown for %ds", remaining)
}
