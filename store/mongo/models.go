package mongo

import (
	"fmt"
	"time"

	sessionkernel "github.com/sessionmint/sessionkernelxyz"
	"github.com/sessionmint/sessionkernelxyz/id"
	"github.com/sessionmint/sessionkernelxyz/queue"
)

// ── item model ───────────────────────────────────────────────────

type itemModel struct {
	ID              string     `bson:"_id"`
	TokenMint       string     `bson:"token_mint"`
	WalletAddress   string     `bson:"wallet_address"`
	PriorityLevel   int        `bson:"priority_level"`
	DisplayDuration int64      `bson:"display_duration_ms"`
	ExpiresAt       time.Time  `bson:"expires_at"`
	IsPriority      bool       `bson:"is_priority"`
	CreatedAt       time.Time  `bson:"created_at"`
	Status          string     `bson:"status"`
	StartsAt        *time.Time `bson:"starts_at,omitempty"`
}

func toItemModel(it *queue.Item) *itemModel {
	return &itemModel{
		ID:              it.ID.String(),
		TokenMint:       it.TokenMint,
		WalletAddress:   it.WalletAddress,
		PriorityLevel:   it.PriorityLevel,
		DisplayDuration: it.DisplayDuration.Milliseconds(),
		ExpiresAt:       it.ExpiresAt,
		IsPriority:      it.IsPriority,
		CreatedAt:       it.CreatedAt,
		Status:          string(it.Status),
		StartsAt:        it.StartsAt,
	}
}

func fromItemModel(m *itemModel) (*queue.Item, error) {
	parsedID, err := id.ParseItemID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("sessionkernel/mongo: parse item id %q: %w", m.ID, err)
	}

	return &queue.Item{
		ID:              parsedID,
		TokenMint:       m.TokenMint,
		WalletAddress:   m.WalletAddress,
		PriorityLevel:   m.PriorityLevel,
		DisplayDuration: time.Duration(m.DisplayDuration) * time.Millisecond,
		ExpiresAt:       m.ExpiresAt,
		IsPriority:      m.IsPriority,
		CreatedAt:       m.CreatedAt,
		Status:          queue.Status(m.Status),
		StartsAt:        m.StartsAt,
	}, nil
}

// ── session model ────────────────────────────────────────────────

type sessionModel struct {
	ID           string     `bson:"_id"`
	CurrentToken string     `bson:"current_token"`
	CurrentItem  *itemModel `bson:"current_item,omitempty"`
	DeviceState  string     `bson:"device_state"`
	DeviceMode   string     `bson:"device_mode"`
	DeviceSpeed  int        `bson:"device_speed"`
	Revision     int64      `bson:"revision"`
	UpdatedAt    time.Time  `bson:"updated_at"`
}

func toSessionModel(s *queue.SessionState) *sessionModel {
	m := &sessionModel{
		ID:           s.AppID,
		CurrentToken: s.CurrentToken,
		DeviceState:  s.Device.State,
		DeviceMode:   s.Device.Mode,
		DeviceSpeed:  s.Device.Speed,
		Revision:     s.Revision,
		UpdatedAt:    s.UpdatedAt,
	}
	if s.CurrentItem != nil {
		m.CurrentItem = toItemModel(s.CurrentItem)
	}
	return m
}

func fromSessionModel(m *sessionModel) (*queue.SessionState, error) {
	s := &queue.SessionState{
		AppID:        m.ID,
		CurrentToken: m.CurrentToken,
		Device: queue.DeviceState{
			State: m.DeviceState,
			Mode:  m.DeviceMode,
			Speed: m.DeviceSpeed,
		},
		Revision:  m.Revision,
		UpdatedAt: m.UpdatedAt,
	}
	if m.CurrentItem != nil {
		item, err := fromItemModel(m.CurrentItem)
		if err != nil {
			return nil, err
		}
		s.CurrentItem = item
	}
	return s, nil
}

// ── receipt model ────────────────────────────────────────────────

type receiptModel struct {
	Signature     string    `bson:"_id"`
	TokenMint     string    `bson:"token_mint"`
	WalletAddress string    `bson:"wallet_address"`
	PaymentMethod string    `bson:"payment_method"`
	PaymentTier   string    `bson:"payment_tier"`
	Amount        string    `bson:"amount"`
	VerifiedAt    time.Time `bson:"verified_at"`
}

func toReceiptModel(r *queue.Receipt) *receiptModel {
	return &receiptModel{
		Signature:     r.Signature,
		TokenMint:     r.TokenMint,
		WalletAddress: r.WalletAddress,
		PaymentMethod: string(r.PaymentMethod),
		PaymentTier:   string(r.PaymentTier),
		Amount:        r.Amount,
		VerifiedAt:    r.VerifiedAt,
	}
}

func fromReceiptModel(m *receiptModel) *queue.Receipt {
	return &queue.Receipt{
		Signature:     m.Signature,
		TokenMint:     m.TokenMint,
		WalletAddress: m.WalletAddress,
		PaymentMethod: sessionkernel.Method(m.PaymentMethod),
		PaymentTier:   sessionkernel.Tier(m.PaymentTier),
		Amount:        m.Amount,
		VerifiedAt:    m.VerifiedAt,
	}
}

// ── cooldown model ───────────────────────────────────────────────

type cooldownModel struct {
	TokenMint string    `bson:"_id"`
	EndsAt    time.Time `bson:"ends_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func toCooldownModel(c *queue.Cooldown) *cooldownModel {
	return &cooldownModel{
		TokenMint: c.TokenMint,
		EndsAt:    c.EndsAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func fromCooldownModel(m *cooldownModel) *queue.Cooldown {
	return &queue.Cooldown{
		TokenMint: m.TokenMint,
		EndsAt:    m.EndsAt,
		UpdatedAt: m.UpdatedAt,
	}
}

// ── rate-limit model ─────────────────────────────────────────────

type counterModel struct {
	Key         string    `bson:"_id"`
	WindowStart time.Time `bson:"window_start"`
	Count       int       `bson:"count"`
}
