package queue

import (
	"sort"
	"time"

	sessionkernel "github.com/sessionmint/sessionkernelxyz"
	"github.com/sessionmint/sessionkernelxyz/id"
)

// Status represents the lifecycle state of a queue item.
type Status string

const (
	// StatusQueued means the item is waiting for the slot.
	StatusQueued Status = "queued"
	// StatusActive means the item currently holds the slot.
	StatusActive Status = "active"
	// StatusExpired means the item's active window elapsed.
	StatusExpired Status = "expired"
	// StatusCanceled is reserved for manual removal; nothing produces
	// it today.
	StatusCanceled Status = "canceled"
)

// Item is one admitted token awaiting or holding the slot.
type Item struct {
	ID              id.ItemID     `json:"id"`
	TokenMint       string        `json:"tokenMint"`
	WalletAddress   string        `json:"walletAddress"`
	PriorityLevel   int           `json:"priorityLevel"`
	DisplayDuration time.Duration `json:"displayDuration"`
	ExpiresAt       time.Time     `json:"expiresAt"`
	IsPriority      bool          `json:"isPriority"`
	CreatedAt       time.Time     `json:"createdAt"`
	Status          Status        `json:"status"`
	StartsAt        *time.Time    `json:"startsAt,omitempty"`
}

// NewItem constructs a queued item for the given tier. ExpiresAt is a
// placeholder relative to CreatedAt; activation recomputes it.
func NewItem(cfg sessionkernel.Config, tokenMint, walletAddress string, tier sessionkernel.Tier, now time.Time) *Item {
	dur := cfg.Duration(tier)

	return &Item{
		ID:              id.NewItemID(),
		TokenMint:       tokenMint,
		WalletAddress:   walletAddress,
		PriorityLevel:   cfg.Level(tier),
		DisplayDuration: dur,
		ExpiresAt:       now.Add(dur),
		IsPriority:      tier == sessionkernel.TierPriority,
		CreatedAt:       now,
		Status:          StatusQueued,
	}
}

// Clone returns a deep copy of the item.
func (i *Item) Clone() *Item {
	if i == nil {
		return nil
	}
	cp := *i
	if i.StartsAt != nil {
		s := *i.StartsAt
		cp.StartsAt = &s
	}
	return &cp
}

// Activated returns a copy of the item promoted to the slot at now,
// with ExpiresAt recomputed from the display duration.
func (i *Item) Activated(now time.Time) *Item {
	cp := i.Clone()
	cp.Status = StatusActive
	s := now
	cp.StartsAt = &s
	cp.ExpiresAt = now.Add(cp.DisplayDuration)
	return cp
}

// Expired reports whether the item's active window has elapsed at now.
func (i *Item) Expired(now time.Time) bool {
	return !i.ExpiresAt.After(now)
}

// SortQueued orders items by the selection rule: highest PriorityLevel
// first, ties broken by earliest CreatedAt. The sort is stable so equal
// items keep insertion order.
func SortQueued(items []*Item) {
	sort.SliceStable(items, func(a, b int) bool {
		if items[a].PriorityLevel != items[b].PriorityLevel {
			return items[a].PriorityLevel > items[b].PriorityLevel
		}
		return items[a].CreatedAt.Before(items[b].CreatedAt)
	})
}

// selectNext returns the item the selection rule would activate, or nil
// when the queue is empty. The input slice is not modified.
func selectNext(items []*Item) *Item {
	var best *Item
	for _, it := range items {
		if best == nil {
			best = it
			continue
		}
		if it.PriorityLevel > best.PriorityLevel {
			best = it
			continue
		}
		if it.PriorityLevel == best.PriorityLevel && it.CreatedAt.Before(best.CreatedAt) {
			best = it
		}
	}
	return best
}
