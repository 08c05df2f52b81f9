package queue

import (
	"time"

	sessionkernel "github.com/sessionmint/sessionkernelxyz"
)

// DeviceState is the derived display-state summary of the external
// motion device. It is recomputed on every mutation and is never
// authoritative: admission decisions ignore it entirely.
type DeviceState struct {
	State string `json:"state"`
	Mode  string `json:"mode"`
	Speed int    `json:"speed"`
}

// WaitingDeviceState is the summary shown while the slot is idle.
func WaitingDeviceState() DeviceState {
	return DeviceState{State: "waiting", Mode: "idle", Speed: 0}
}

// ActiveDeviceState summarizes the device for an active item.
func ActiveDeviceState(item *Item) DeviceState {
	if item.IsPriority {
		return DeviceState{State: "active", Mode: "priority", Speed: 85}
	}
	return DeviceState{State: "active", Mode: "standard", Speed: 60}
}

// SessionState is the singleton describing the current slot. CurrentItem
// mirrors the single active queue item, or nil when the slot is idle.
// Revision strictly increases on every persisted mutation so readers can
// detect staleness without deep comparison.
type SessionState struct {
	AppID        string      `json:"appId"`
	CurrentToken string      `json:"currentToken"`
	CurrentItem  *Item       `json:"currentItem"`
	Device       DeviceState `json:"device"`
	Revision     int64       `json:"revision"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// DefaultSessionState returns the idle session for a deployment.
func DefaultSessionState(cfg sessionkernel.Config, now time.Time) *SessionState {
	return &SessionState{
		AppID:        cfg.AppID,
		CurrentToken: cfg.DefaultTokenMint,
		CurrentItem:  nil,
		Device:       WaitingDeviceState(),
		Revision:     0,
		UpdatedAt:    now,
	}
}

// Clone returns a deep copy of the session state.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.CurrentItem = s.CurrentItem.Clone()
	return &cp
}

// Receipt is the idempotency record for a consumed payment proof,
// keyed by the ledger transaction signature. A signature produces at
// most one receipt, ever.
type Receipt struct {
	Signature     string              `json:"signature"`
	TokenMint     string              `json:"tokenMint"`
	WalletAddress string              `json:"walletAddress"`
	PaymentMethod sessionkernel.Method `json:"paymentMethod"`
	PaymentTier   sessionkernel.Tier   `json:"paymentTier"`
	Amount        string              `json:"amount"`
	VerifiedAt    time.Time           `json:"verifiedAt"`
}

// Cooldown is the per-token suppression record written when a token's
// active window expires. Only standard-tier admission consults it.
type Cooldown struct {
	TokenMint string    `json:"tokenMint"`
	EndsAt    time.Time `json:"endsAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Elapsed reports whether the cooldown has ended at now.
func (c *Cooldown) Elapsed(now time.Time) bool {
	return !c.EndsAt.After(now)
}

// Snapshot is the client-facing projection of the session plus the
// queued items, in selection order.
type Snapshot struct {
	CurrentToken string      `json:"currentToken"`
	CurrentItem  *Item       `json:"currentItem"`
	Queue        []*Item     `json:"queue"`
	Device       DeviceState `json:"device"`
}

// SnapshotWithRevision pairs a snapshot with the session revision so
// readers can cheaply detect change.
type SnapshotWithRevision struct {
	Snapshot  *Snapshot `json:"snapshot"`
	Revision  int64     `json:"revision"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CooldownStatus reports whether a token is currently blockable for
// standard-tier admission, with a human-readable reason.
type CooldownStatus struct {
	InCooldown bool       `json:"inCooldown"`
	Message    string     `json:"message,omitempty"`
	EndsAt     *time.Time `json:"cooldownEndsAt,omitempty"`
}

// TickReason identifies what triggered an advance.
type TickReason string

const (
	// ReasonCallback marks ticks delivered by the delayed-callback
	// scheduler.
	ReasonCallback TickReason = "callback"
	// ReasonScheduler marks ticks from the periodic fallback clock.
	ReasonScheduler TickReason = "scheduler"
	// ReasonManual marks operator-triggered ticks.
	ReasonManual TickReason = "manual"
)

// Valid reports whether r is one of the closed tick reasons.
func (r TickReason) Valid() bool {
	return r == ReasonCallback || r == ReasonScheduler || r == ReasonManual
}

// TickResult describes what an advance changed. ActivatedItem is set so
// the caller can arm a scheduled tick for the new expiry.
type TickResult struct {
	Changed       bool   `json:"changed"`
	PreviousToken string `json:"previousToken"`
	CurrentToken  string `json:"currentToken"`
	ActivatedItem *Item  `json:"activatedItem"`
}

// EnqueueInput carries a verified-payment admission request. The
// verification result is the sole admission credential; Engine.Enqueue
// never re-verifies.
type EnqueueInput struct {
	TokenMint      string
	WalletAddress  string
	Tier           sessionkernel.Tier
	Signature      string
	PaymentMethod  sessionkernel.Method
	PaymentTier    sessionkernel.Tier
	VerifiedAmount string
}

// EnqueueResult is the outcome of an admission: the persisted new item
// and, when one occurred, the activated item (possibly the same object).
type EnqueueResult struct {
	Item          *Item `json:"item"`
	ActivatedItem *Item `json:"activatedItem"`
}
