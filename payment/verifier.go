package payment

import (
	"context"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sessionkernel "github.com/sessionmint/sessionkernelxyz"
	"github.com/sessionmint/sessionkernelxyz/ledger"
)

const tracerName = "github.com/sessionmint/sessionkernelxyz/payment"

// Input identifies the payment a caller claims to have made.
type Input struct {
	Signature     string
	WalletAddress string
	Method        sessionkernel.Method
	Tier          sessionkernel.Tier
}

// Result is a successful verification. VerifiedAmount is the exact
// transferred amount in the asset's minor unit, as a decimal string.
type Result struct {
	Signature      string
	WalletAddress  string
	Method         sessionkernel.Method
	Tier           sessionkernel.Tier
	VerifiedAmount string
	Slot           uint64
	BlockTime      *int64
}

// Dialer opens a ledger client against the first healthy endpoint.
type Dialer func(ctx context.Context, endpoints []string) (ledger.Client, error)

// Verifier proves payments on chain. It is safe for concurrent use.
type Verifier struct {
	cfg    sessionkernel.Config
	dial   Dialer
	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) { v.logger = logger }
}

// WithDialer replaces how ledger connections are opened.
func WithDialer(dial Dialer) Option {
	return func(v *Verifier) { v.dial = dial }
}

// NewVerifier builds a verifier over the configured RPC endpoints.
func NewVerifier(cfg sessionkernel.Config, opts ...Option) *Verifier {
	v := &Verifier{
		cfg: cfg,
		dial: func(ctx context.Context, endpoints []string) (ledger.Client, error) {
			return ledger.Dial(ctx, endpoints)
		},
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify proves the payment described by in and returns the verified
// amount. Failures carry a *Error whose Kind callers map to responses;
// only RPC_UNAVAILABLE is retryable.
func (v *Verifier) Verify(ctx context.Context, in Input) (*Result, error) {
	ctx, span := v.tracer.Start(ctx, "sessionkernel.payment.verify",
		trace.WithAttributes(
			attribute.String("payment.method", string(in.Method)),
			attribute.String("payment.tier", string(in.Tier)),
		),
	)
	defer span.End()

	result, err := v.verify(ctx, in)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	v.logger.Info("payment verified",
		slog.String("method", string(in.Method)),
		slog.String("tier", string(in.Tier)),
		slog.String("amount", result.VerifiedAmount),
		slog.Uint64("slot", result.Slot),
	)
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (v *Verifier) verify(ctx context.Context, in Input) (*Result, error) {
	if !in.Method.Valid() {
		return nil, NewError(KindInvalidPaymentMethod, "unsupported payment method")
	}

	client, err := v.dial(ctx, v.cfg.RPCEndpoints)
	if err != nil {
		return nil, WrapError(KindRPCUnavailable, "no available rpc endpoint", err)
	}

	tx, err := v.fetchFinalized(ctx, client, in.Signature)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, NewError(KindTxNotFound,
			"transaction not found as finalized yet; wait a few seconds and retry")
	}

	if tx.Failed() {
		return nil, NewError(KindTxFailed,
			"transaction failed on chain and cannot be used as payment proof")
	}
	if !tx.SignedBy(in.WalletAddress) {
		return nil, NewError(KindSignerMismatch,
			"connected wallet did not sign the provided transaction")
	}

	var amount string
	switch in.Method {
	case sessionkernel.MethodSOL:
		amount, err = v.verifySystemTransfer(tx, in.WalletAddress, v.cfg.Lamports(in.Tier))
	case sessionkernel.MethodMINSTR:
		amount, err = v.verifyTokenTransfer(ctx, client, tx, in.WalletAddress, v.cfg.TokenPrice(in.Tier))
	}
	if err != nil {
		return nil, err
	}

	return &Result{
		Signature:      in.Signature,
		WalletAddress:  in.WalletAddress,
		Method:         in.Method,
		Tier:           in.Tier,
		VerifiedAmount: amount,
		Slot:           tx.Slot,
		BlockTime:      tx.BlockTime,
	}, nil
}

// fetchFinalized polls for the transaction at finalized commitment with
// a fixed retry interval. A nil transaction means the retry budget was
// exhausted without the signature appearing.
func (v *Verifier) fetchFinalized(ctx context.Context, client ledger.Client, signature string) (*ledger.Transaction, error) {
	for attempt := 0; attempt < v.cfg.FinalityMaxAttempts; attempt++ {
		tx, err := client.GetTransaction(ctx, signature)
		if err != nil {
			if isSignatureFormatError(err) {
				return nil, NewError(KindTxNotFound, "invalid transaction signature format")
			}
			return nil, WrapError(KindRPCUnavailable, "failed to fetch transaction", err)
		}
		if tx != nil {
			return tx, nil
		}

		if attempt < v.cfg.FinalityMaxAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, WrapError(KindRPCUnavailable, "context canceled while polling", ctx.Err())
			case <-time.After(v.cfg.FinalityRetryInterval):
			}
		}
	}
	return nil, nil
}

// isSignatureFormatError recognizes node rejections of malformed
// signatures, which are terminal rather than transient.
func isSignatureFormatError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "wrongsize") || strings.Contains(msg, "invalid param")
}

// verifySystemTransfer scans top-level system transfers for an exact
// wallet-to-treasury payment. A treasury transfer with the wrong amount
// reports AMOUNT_MISMATCH; no treasury transfer at all reports
// RECIPIENT_MISMATCH.
func (v *Verifier) verifySystemTransfer(tx *ledger.Transaction, wallet string, expectedLamports int64) (string, error) {
	sawTreasuryTransfer := false
	sawAmountMismatch := false

	for _, in := range tx.Message.Instructions {
		if !in.IsParsed() || in.Program != "system" || in.Parsed.Type != "transfer" {
			continue
		}
		info := in.Parsed.Info
		if info.Source != wallet || info.Destination != v.cfg.TreasuryWallet {
			continue
		}
		sawTreasuryTransfer = true

		lamports, err := info.Lamports.Int64()
		if err != nil || lamports != expectedLamports {
			sawAmountMismatch = true
			continue
		}
		return strconv.FormatInt(expectedLamports, 10), nil
	}

	if sawTreasuryTransfer && sawAmountMismatch {
		return "", NewError(KindAmountMismatch,
			"transfer amount does not match selected tier")
	}
	return "", NewError(KindRecipientMismatch,
		"no matching transfer to treasury wallet found in transaction")
}

// verifyTokenTransfer scans parsed token transfers, top-level and
// inner, for an exact wallet-to-treasury payment in the configured
// mint. Mismatch precedence is amount over mint over recipient.
func (v *Verifier) verifyTokenTransfer(ctx context.Context, client ledger.Client, tx *ledger.Transaction, wallet string, priceTokens int64) (string, error) {
	tokenProgram, decimals, err := v.resolveMint(ctx, client)
	if err != nil {
		return "", err
	}

	expectedRaw := new(big.Int).Mul(
		big.NewInt(priceTokens),
		new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil),
	)

	cache := &accountCache{client: client, seen: map[string]*ledger.AccountInfo{}}
	sawTreasuryDestination := false
	sawMintMismatch := false
	sawAmountMismatch := false

	for _, in := range tx.ParsedInstructions() {
		if !matchesTokenProgram(in, tokenProgram) {
			continue
		}
		if in.Parsed.Type != "transfer" && in.Parsed.Type != "transferChecked" {
			continue
		}
		info := in.Parsed.Info
		if info.Destination == "" {
			continue
		}

		// The sender is proven either by the signing authority or by
		// ownership of the source token account.
		switch {
		case info.Authority != "":
			if info.Authority != wallet {
				continue
			}
		case info.Source != "":
			source := cache.lookup(ctx, info.Source)
			if source == nil || source.Owner != wallet {
				continue
			}
		default:
			continue
		}

		destination := cache.lookup(ctx, info.Destination)
		if destination == nil || destination.Owner != v.cfg.TreasuryWallet {
			continue
		}
		sawTreasuryDestination = true

		mint := info.Mint
		if mint == "" {
			mint = destination.Mint
		}
		if mint != v.cfg.MinstrMint {
			sawMintMismatch = true
			continue
		}

		raw := rawTokenAmount(info)
		if raw == nil {
			continue
		}
		if raw.Cmp(expectedRaw) != 0 {
			sawAmountMismatch = true
			continue
		}
		return raw.String(), nil
	}

	switch {
	case sawAmountMismatch:
		return "", NewError(KindAmountMismatch,
			"transfer amount does not match selected tier")
	case sawMintMismatch:
		return "", NewError(KindMintMismatch,
			"token transfer mint does not match configured payment mint")
	case sawTreasuryDestination:
		return "", NewError(KindRecipientMismatch,
			"no matching token transfer to treasury-owned account found in transaction")
	default:
		return "", NewError(KindRecipientMismatch,
			"no matching token transfer to treasury-owned account found in transaction")
	}
}

// resolveMint reads the configured mint account and returns its owning
// token program and decimal scale.
func (v *Verifier) resolveMint(ctx context.Context, client ledger.Client) (string, int, error) {
	account, err := client.GetAccountInfo(ctx, v.cfg.MinstrMint)
	if err != nil {
		return "", 0, WrapError(KindRPCUnavailable, "failed to resolve payment mint", err)
	}
	if account == nil {
		return "", 0, NewError(KindMintMismatch,
			"configured payment mint account was not found on chain")
	}

	switch account.OwnerProgram {
	case ledger.TokenProgramID, ledger.Token2022ProgramID:
	default:
		return "", 0, NewError(KindMintMismatch,
			"payment mint is not owned by a token program")
	}
	if account.Parsed == nil {
		return "", 0, NewError(KindMintMismatch,
			"payment mint account data could not be parsed")
	}
	return account.OwnerProgram, account.Parsed.Decimals, nil
}

// matchesTokenProgram accepts an instruction when its program id equals
// the resolved token program, or when its parsed label does. Some nodes
// label Token-2022 instructions as spl-token.
func matchesTokenProgram(in ledger.Instruction, tokenProgram string) bool {
	if in.ProgramID == tokenProgram {
		return true
	}
	label := strings.ToLower(in.Program)
	if tokenProgram == ledger.Token2022ProgramID {
		return label == "spl-token" || strings.Contains(label, "token-2022")
	}
	return label == "spl-token"
}

// rawTokenAmount extracts the raw integer amount from either the
// transferChecked tokenAmount shape or the plain transfer amount field.
func rawTokenAmount(info ledger.InstructionInfo) *big.Int {
	s := info.Amount
	if info.TokenAmount != nil && info.TokenAmount.Amount != "" {
		s = info.TokenAmount.Amount
	}
	if s == "" {
		return nil
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil
		}
	}
	raw, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil
	}
	return raw
}

// accountCache memoizes parsed account lookups for one verification.
// Lookup failures are cached as misses so a bad account is fetched
// once.
type accountCache struct {
	client ledger.Client
	seen   map[string]*ledger.AccountInfo
}

func (c *accountCache) lookup(ctx context.Context, address string) *ledger.AccountInfo {
	if meta, ok := c.seen[address]; ok {
		return meta
	}
	account, err := c.client.GetAccountInfo(ctx, address)
	if err != nil || account == nil || account.Parsed == nil ||
		account.Parsed.Mint == "" || account.Parsed.Owner == "" {
		c.seen[address] = nil
		return nil
	}
	c.seen[address] = account.Parsed
	return account.Parsed
}
