package sessionkernel

import "time"

// Tier is the admission class of a queue item. It controls cooldown
// bypass and selection precedence, never the display duration.
type Tier string

const (
	// TierStandard is the default admission class, subject to cooldowns.
	TierStandard Tier = "standard"
	// TierPriority bypasses cooldown checks and wins selection ties.
	TierPriority Tier = "priority"
)

// Valid reports whether t is one of the closed tier values.
func (t Tier) Valid() bool {
	return t == TierStandard || t == TierPriority
}

// Method is the on-chain payment method for an admission.
type Method string

const (
	// MethodSOL pays with the native asset via a system transfer.
	MethodSOL Method = "SOL"
	// MethodMINSTR pays with the configured fungible token.
	MethodMINSTR Method = "MINSTR"
)

// Valid reports whether m is one of the closed payment methods.
func (m Method) Valid() bool {
	return m == MethodSOL || m == MethodMINSTR
}

// LamportsPerSOL is the number of minor units in one SOL.
const LamportsPerSOL = 1_000_000_000

// Config holds the closed configuration table for the kernel: identity,
// pricing, durations, cooldowns, and ledger access. Prices are exact
// integers (lamports for SOL, whole tokens for MINSTR) because payment
// verification permits no tolerance.
type Config struct {
	// AppID is the canonical deployment scope; it keys the session
	// document and namespaces rate-limit counters.
	AppID string

	// DefaultTokenMint is shown when the slot is idle.
	DefaultTokenMint string

	// TreasuryWallet receives all payments.
	TreasuryWallet string

	// MinstrMint is the canonical mint of the fungible payment token.
	MinstrMint string

	// SOLPriceLamports maps tier to the exact lamport price.
	SOLPriceLamports map[Tier]int64

	// MinstrPriceTokens maps tier to the whole-token price. The raw
	// on-chain amount is price scaled by the mint's decimals.
	MinstrPriceTokens map[Tier]int64

	// DisplayDuration maps tier to how long an activated item holds
	// the slot. Both tiers are currently equal; the table stays
	// tier-keyed because pricing already is.
	DisplayDuration map[Tier]time.Duration

	// PriorityLevel maps tier to its selection precedence
	// (higher wins).
	PriorityLevel map[Tier]int

	// CooldownWindow suppresses re-admission of a token after its
	// active window expires. Standard tier only.
	CooldownWindow time.Duration

	// RPCEndpoints are ledger read endpoints tried in order.
	RPCEndpoints []string

	// FinalityMaxAttempts bounds the finalized-transaction polling loop.
	FinalityMaxAttempts int

	// FinalityRetryInterval is the fixed delay between polling attempts.
	FinalityRetryInterval time.Duration

	// RateLimitWindow and RateLimitMaxRequests are the default
	// per-scope throttle when a handler does not override the maximum.
	RateLimitWindow      time.Duration
	RateLimitMaxRequests int
}

// DefaultConfig returns the production configuration table.
func DefaultConfig() Config {
	return Config{
		AppID:            "chartgobrralpha",
		DefaultTokenMint: "",
		TreasuryWallet:   "",
		MinstrMint:       "2gWujYmBCd77Sf9gg6yMSexdPrudKpvss1yV8E71pump",
		SOLPriceLamports: map[Tier]int64{
			TierStandard: 10_000_000, // 0.01 SOL
			TierPriority: 40_000_000, // 0.04 SOL
		},
		MinstrPriceTokens: map[Tier]int64{
			TierStandard: 10_000,
			TierPriority: 42_000,
		},
		DisplayDuration: map[Tier]time.Duration{
			TierStandard: 10 * time.Minute,
			TierPriority: 10 * time.Minute,
		},
		PriorityLevel: map[Tier]int{
			TierStandard: 0,
			TierPriority: 1,
		},
		CooldownWindow: 2 * time.Hour,
		RPCEndpoints: []string{
			"https://api.mainnet-beta.solana.com",
			"https://solana-rpc.publicnode.com",
		},
		FinalityMaxAttempts:   12,
		FinalityRetryInterval: 800 * time.Millisecond,
		RateLimitWindow:       time.Minute,
		RateLimitMaxRequests:  100,
	}
}

// Lamports returns the exact expected lamport amount for a tier.
func (c Config) Lamports(t Tier) int64 {
	return c.SOLPriceLamports[t]
}

// TokenPrice returns the whole-token MINSTR price for a tier.
func (c Config) TokenPrice(t Tier) int64 {
	return c.MinstrPriceTokens[t]
}

// Duration returns the slot display duration for a tier.
func (c Config) Duration(t Tier) time.Duration {
	return c.DisplayDuration[t]
}

// Level returns the selection priority level for a tier.
func (c Config) Level(t Tier) int {
	return c.PriorityLevel[t]
}
