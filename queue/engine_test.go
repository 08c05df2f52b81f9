package queue_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sessionkernel "github.com/sessionmint/sessionkernelxyz"
	"github.com/sessionmint/sessionkernelxyz/queue"
	"github.com/sessionmint/sessionkernelxyz/store/memory"
)

const (
	mintT1       = "T1MintT1MintT1MintT1MintT1MintT1Mint"
	mintT2       = "T2MintT2MintT2MintT2MintT2MintT2Mint"
	mintT3       = "T3MintT3MintT3MintT3MintT3MintT3Mint"
	walletA      = "WalletAWalletAWalletAWalletAWalletA"
	walletB      = "WalletBWalletBWalletBWalletBWalletB"
	defaultToken = "DefaultMintDefaultMintDefaultMint"
)

type clock struct {
	current time.Time
}

func (c *clock) now() time.Time            { return c.current }
func (c *clock) advance(d time.Duration)   { c.current = c.current.Add(d) }

func newTestEngine(t *testing.T) (*queue.Engine, *memory.Store, *clock) {
	t.Helper()

	cfg := sessionkernel.DefaultConfig()
	cfg.DefaultTokenMint = defaultToken

	st := memory.New()
	clk := &clock{current: time.Unix(1_700_000_000, 0).UTC()}
	eng := queue.NewEngine(st, cfg, queue.WithClock(clk.now))
	return eng, st, clk
}

var sigCounter int

func enqueueInput(mint, wallet string, tier sessionkernel.Tier) queue.EnqueueInput {
	sigCounter++
	return queue.EnqueueInput{
		TokenMint:      mint,
		WalletAddress:  wallet,
		Tier:           tier,
		Signature:      fmt.Sprintf("sig-%s-%d", mint[:2], sigCounter),
		PaymentMethod:  sessionkernel.MethodSOL,
		PaymentTier:    tier,
		VerifiedAmount: "10000000",
	}
}

func TestEnqueue_IdleSlotActivatesImmediately(t *testing.T) {
	eng, _, clk := newTestEngine(t)
	ctx := context.Background()

	res, err := eng.Enqueue(ctx, enqueueInput(mintT1, walletA, sessionkernel.TierStandard))
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if res.ActivatedItem == nil {
		t.Fatal("expected immediate activation on idle slot")
	}
	if res.ActivatedItem.ID.String() != res.Item.ID.String() {
		t.Error("activated item should be the newly admitted item")
	}
	if res.Item.Status != queue.StatusActive {
		t.Errorf("persisted item status = %q, want active", res.Item.Status)
	}

	wantExpiry := clk.now().Add(10 * time.Minute)
	if !res.ActivatedItem.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("ExpiresAt = %v, want %v", res.ActivatedItem.ExpiresAt, wantExpiry)
	}

	snap, err := eng.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot error: %v", err)
	}
	if snap.CurrentToken != mintT1 {
		t.Errorf("CurrentToken = %q, want %q", snap.CurrentToken, mintT1)
	}
	if len(snap.Queue) != 0 {
		t.Errorf("queue length = %d, want 0", len(snap.Queue))
	}
	if snap.Device.State != "active" || snap.Device.Mode != "standard" {
		t.Errorf("device = %+v, want active/standard", snap.Device)
	}
}

func TestEnqueue_ReplayedSignatureFails(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	in := enqueueInput(mintT1, walletA, sessionkernel.TierStandard)
	if _, err := eng.Enqueue(ctx, in); err != nil {
		t.Fatalf("first Enqueue error: %v", err)
	}

	// Same signature, different token: still a replay.
	in.TokenMint = mintT2
	_, err := eng.Enqueue(ctx, in)
	var qErr *queue.Error
	if !errors.As(err, &qErr) || qErr.Kind != queue.KindReplay {
		t.Fatalf("expected REPLAY, got %v", err)
	}
}

func TestEnqueue_TierMismatchFails(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	in := enqueueInput(mintT1, walletA, sessionkernel.TierStandard)
	in.PaymentTier = sessionkernel.TierPriority

	_, err := eng.Enqueue(context.Background(), in)
	var qErr *queue.Error
	if !errors.As(err, &qErr) || qErr.Kind != queue.KindInvalidTier {
		t.Fatalf("expected INVALID_TIER, got %v", err)
	}
}

func TestEnqueue_StandardBlockedWhileTokenActive(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.Enqueue(ctx, enqueueInput(mintT1, walletA, sessionkernel.TierStandard)); err != nil {
		t.Fatalf("seed Enqueue error: %v", err)
	}

	_, err := eng.Enqueue(ctx, enqueueInput(mintT1, walletB, sessionkernel.TierStandard))
	var qErr *queue.Error
	if !errors.As(err, &qErr) || qErr.Kind != queue.KindCooldown {
		t.Fatalf("expected COOLDOWN for active token, got %v", err)
	}

	// Priority tier bypasses the same check.
	if _, err := eng.Enqueue(ctx, enqueueInput(mintT1, walletB, sessionkernel.TierPriority)); err != nil {
		t.Fatalf("priority Enqueue should bypass cooldown, got %v", err)
	}
}

func TestEnqueue_StandardBlockedWhileTokenQueued(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.Enqueue(ctx, enqueueInput(mintT1, walletA, sessionkernel.TierStandard)); err != nil {
		t.Fatalf("seed Enqueue error: %v", err)
	}
	if _, err := eng.Enqueue(ctx, enqueueInput(mintT2, walletA, sessionkernel.TierStandard)); err != nil {
		t.Fatalf("queued Enqueue error: %v", err)
	}

	_, err := eng.Enqueue(ctx, enqueueInput(mintT2, walletB, sessionkernel.TierStandard))
	var qErr *queue.Error
	if !errors.As(err, &qErr) || qErr.Kind != queue.KindCooldown {
		t.Fatalf("expected COOLDOWN for queued token, got %v", err)
	}
}

func TestEnqueue_StandardBlockedByStoredCooldown(t *testing.T) {
	eng, _, clk := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.Enqueue(ctx, enqueueInput(mintT1, walletA, sessionkernel.TierStandard)); err != nil {
		t.Fatalf("seed Enqueue error: %v", err)
	}

	// Let the active window elapse and tick so the cooldown is written.
	clk.advance(11 * time.Minute)
	if _, err := eng.Advance(ctx, queue.ReasonScheduler); err != nil {
		t.Fatalf("Advance error: %v", err)
	}

	_, err := eng.Enqueue(ctx, enqueueInput(mintT1, walletB, sessionkernel.TierStandard))
	var qErr *queue.Error
	if !errors.As(err, &qErr) || qErr.Kind != queue.KindCooldown {
		t.Fatalf("expected COOLDOWN from stored record, got %v", err)
	}

	// After the cooldown window the token is admittable again.
	clk.advance(2*time.Hour + time.Minute)
	if _, err := eng.Enqueue(ctx, enqueueInput(mintT1, walletB, sessionkernel.TierStandard)); err != nil {
		t.Fatalf("Enqueue after cooldown elapsed error: %v", err)
	}
}

func TestAdvance_ExpiryWritesCooldownAndActivatesNext(t *testing.T) {
	eng, _, clk := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.Enqueue(ctx, enqueueInput(mintT1, walletA, sessionkernel.TierStandard)); err != nil {
		t.Fatalf("seed Enqueue error: %v", err)
	}
	if _, err := eng.Enqueue(ctx, enqueueInput(mintT2, walletB, sessionkernel.TierStandard)); err != nil {
		t.Fatalf("queued Enqueue error: %v", err)
	}

	clk.advance(10*time.Minute + time.Second)

	res, err := eng.Advance(ctx, queue.ReasonCallback)
	if err != nil {
		t.Fatalf("Advance error: %v", err)
	}
	if !res.Changed {
		t.Fatal("expected Advance to report a change")
	}
	if res.PreviousToken != mintT1 || res.CurrentToken != mintT2 {
		t.Errorf("token transition = %q → %q, want %q → %q",
			res.PreviousToken, res.CurrentToken, mintT1, mintT2)
	}
	if res.ActivatedItem == nil || res.ActivatedItem.TokenMint != mintT2 {
		t.Fatalf("activated item = %+v, want token %q", res.ActivatedItem, mintT2)
	}
	wantExpiry := clk.now().Add(10 * time.Minute)
	if !res.ActivatedItem.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("activated ExpiresAt = %v, want %v", res.ActivatedItem.ExpiresAt, wantExpiry)
	}

	status, err := eng.CooldownStatus(ctx, mintT1)
	if err != nil {
		t.Fatalf("CooldownStatus error: %v", err)
	}
	if !status.InCooldown {
		t.Fatal("expired token should be in cooldown")
	}
	wantEnds := clk.now().Add(2 * time.Hour)
	if status.EndsAt == nil || !status.EndsAt.Equal(wantEnds) {
		t.Errorf("cooldown EndsAt = %v, want %v", status.EndsAt, wantEnds)
	}
}

func TestAdvance_IdempotentWhenNothingElapsed(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.Enqueue(ctx, enqueueInput(mintT1, walletA, sessionkernel.TierStandard)); err != nil {
		t.Fatalf("seed Enqueue error: %v", err)
	}

	first, err := eng.Advance(ctx, queue.ReasonManual)
	if err != nil {
		t.Fatalf("first Advance error: %v", err)
	}
	if first.Changed {
		t.Fatal("nothing elapsed; first Advance should not change state")
	}

	before, err := eng.SnapshotWithRevision(ctx)
	if err != nil {
		t.Fatalf("SnapshotWithRevision error: %v", err)
	}

	second, err := eng.Advance(ctx, queue.ReasonManual)
	if err != nil {
		t.Fatalf("second Advance error: %v", err)
	}
	if second.Changed {
		t.Fatal("second Advance should report changed = false")
	}

	after, err := eng.SnapshotWithRevision(ctx)
	if err != nil {
		t.Fatalf("SnapshotWithRevision error: %v", err)
	}
	if after.Revision != before.Revision {
		t.Errorf("revision moved %d → %d on a no-op tick", before.Revision, after.Revision)
	}
}

func TestSelection_FIFOWithinTier(t *testing.T) {
	eng, _, clk := newTestEngine(t)
	ctx := context.Background()

	// Occupy the slot, then queue two standard items in order.
	if _, err := eng.Enqueue(ctx, enqueueInput(mintT1, walletA, sessionkernel.TierStandard)); err != nil {
		t.Fatalf("seed Enqueue error: %v", err)
	}
	if _, err := eng.Enqueue(ctx, enqueueInput(mintT2, walletA, sessionkernel.TierStandard)); err != nil {
		t.Fatalf("second Enqueue error: %v", err)
	}
	clk.advance(time.Second)
	if _, err := eng.Enqueue(ctx, enqueueInput(mintT3, walletB, sessionkernel.TierStandard)); err != nil {
		t.Fatalf("third Enqueue error: %v", err)
	}

	clk.advance(11 * time.Minute)
	res, err := eng.Advance(ctx, queue.ReasonScheduler)
	if err != nil {
		t.Fatalf("Advance error: %v", err)
	}
	if res.ActivatedItem == nil || res.ActivatedItem.TokenMint != mintT2 {
		t.Fatalf("activated %v, want earlier-created %q", res.ActivatedItem, mintT2)
	}
}

func TestSelection_PriorityQueuedDoesNotPreemptButWinsNext(t *testing.T) {
	eng, _, clk := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.Enqueue(ctx, enqueueInput(mintT1, walletA, sessionkernel.TierStandard)); err != nil {
		t.Fatalf("seed Enqueue error: %v", err)
	}
	// Standard arrives first, priority second.
	if _, err := eng.Enqueue(ctx, enqueueInput(mintT2, walletA, sessionkernel.TierStandard)); err != nil {
		t.Fatalf("standard Enqueue error: %v", err)
	}
	clk.advance(time.Second)
	res, err := eng.Enqueue(ctx, enqueueInput(mintT3, walletB, sessionkernel.TierPriority))
	if err != nil {
		t.Fatalf("priority Enqueue error: %v", err)
	}
	if res.ActivatedItem != nil {
		t.Fatal("priority admission must not preempt a running slot")
	}

	snap, err := eng.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot error: %v", err)
	}
	if snap.CurrentToken != mintT1 {
		t.Errorf("CurrentToken = %q, want still-active %q", snap.CurrentToken, mintT1)
	}

	clk.advance(11 * time.Minute)
	tick, err := eng.Advance(ctx, queue.ReasonCallback)
	if err != nil {
		t.Fatalf("Advance error: %v", err)
	}
	if tick.ActivatedItem == nil || tick.ActivatedItem.TokenMint != mintT3 {
		t.Fatalf("activated %v, want priority %q ahead of earlier standard", tick.ActivatedItem, mintT3)
	}
	if !tick.ActivatedItem.IsPriority {
		t.Error("activated item should carry IsPriority")
	}
}

func TestRevision_StrictlyIncreasesAcrossMutations(t *testing.T) {
	eng, _, clk := newTestEngine(t)
	ctx := context.Background()

	var last int64
	check := func(label string) {
		t.Helper()
		got, err := eng.SnapshotWithRevision(ctx)
		if err != nil {
			t.Fatalf("%s SnapshotWithRevision error: %v", label, err)
		}
		if got.Revision <= last {
			t.Fatalf("%s: revision %d not greater than %d", label, got.Revision, last)
		}
		last = got.Revision
	}

	if _, err := eng.Enqueue(ctx, enqueueInput(mintT1, walletA, sessionkernel.TierStandard)); err != nil {
		t.Fatal(err)
	}
	check("first enqueue")

	if _, err := eng.Enqueue(ctx, enqueueInput(mintT2, walletA, sessionkernel.TierStandard)); err != nil {
		t.Fatal(err)
	}
	check("second enqueue")

	clk.advance(11 * time.Minute)
	if _, err := eng.Advance(ctx, queue.ReasonScheduler); err != nil {
		t.Fatal(err)
	}
	check("advance")
}

func TestSnapshot_AtMostOneActive(t *testing.T) {
	eng, _, clk := newTestEngine(t)
	ctx := context.Background()

	for i, mint := range []string{mintT1, mintT2, mintT3} {
		tier := sessionkernel.TierStandard
		if i == 2 {
			tier = sessionkernel.TierPriority
		}
		if _, err := eng.Enqueue(ctx, enqueueInput(mint, walletA, tier)); err != nil {
			t.Fatalf("Enqueue %q error: %v", mint, err)
		}
		clk.advance(time.Second)
	}

	for range 4 {
		snap, err := eng.Snapshot(ctx)
		if err != nil {
			t.Fatalf("Snapshot error: %v", err)
		}
		active := 0
		if snap.CurrentItem != nil && snap.CurrentItem.Status == queue.StatusActive {
			active++
		}
		for _, it := range snap.Queue {
			if it.Status == queue.StatusActive {
				active++
			}
		}
		if active > 1 {
			t.Fatalf("observed %d active items", active)
		}

		clk.advance(10*time.Minute + time.Second)
		if _, err := eng.Advance(ctx, queue.ReasonScheduler); err != nil {
			t.Fatalf("Advance error: %v", err)
		}
	}
}

func TestEnqueue_BackendFailureMapsToStateWriteFailed(t *testing.T) {
	eng, st, _ := newTestEngine(t)

	st.FailNextUpdate(errors.New("connection reset"))

	_, err := eng.Enqueue(context.Background(), enqueueInput(mintT1, walletA, sessionkernel.TierStandard))
	var qErr *queue.Error
	if !errors.As(err, &qErr) || qErr.Kind != queue.KindStateWriteFailed {
		t.Fatalf("expected STATE_WRITE_FAILED, got %v", err)
	}
	if !qErr.Retryable() {
		t.Error("STATE_WRITE_FAILED should be retryable")
	}
}

func TestCooldownStatus_CleanToken(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	status, err := eng.CooldownStatus(context.Background(), mintT1)
	if err != nil {
		t.Fatalf("CooldownStatus error: %v", err)
	}
	if status.InCooldown {
		t.Error("fresh token should not be in cooldown")
	}
}

func TestSnapshot_QueueInSelectionOrder(t *testing.T) {
	eng, _, clk := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.Enqueue(ctx, enqueueInput(mintT1, walletA, sessionkernel.TierStandard)); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Enqueue(ctx, enqueueInput(mintT2, walletA, sessionkernel.TierStandard)); err != nil {
		t.Fatal(err)
	}
	clk.advance(time.Second)
	if _, err := eng.Enqueue(ctx, enqueueInput(mintT3, walletB, sessionkernel.TierPriority)); err != nil {
		t.Fatal(err)
	}

	snap, err := eng.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot error: %v", err)
	}
	if len(snap.Queue) != 2 {
		t.Fatalf("queue length = %d, want 2", len(snap.Queue))
	}
	if snap.Queue[0].TokenMint != mintT3 {
		t.Errorf("queue[0] = %q, want priority %q first", snap.Queue[0].TokenMint, mintT3)
	}
	if snap.Queue[1].TokenMint != mintT2 {
		t.Errorf("queue[1] = %q, want %q", snap.Queue[1].TokenMint, mintT2)
	}
}
