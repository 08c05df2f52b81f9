package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	sessionkernel "github.com/sessionmint/sessionkernelxyz"
	"github.com/sessionmint/sessionkernelxyz/payment"
	"github.com/sessionmint/sessionkernelxyz/queue"
)

type queueAddRequest struct {
	TokenMint     string   `json:"tokenMint"`
	WalletAddress string   `json:"walletAddress"`
	Amount        *float64 `json:"amount"`
	Signature     string   `json:"signature"`
	PaymentMethod string   `json:"paymentMethod"`
	PaymentTier   string   `json:"paymentTier"`
}

type queueAddResponse struct {
	Success        bool        `json:"success"`
	Item           *queue.Item `json:"item"`
	VerifiedAmount string      `json:"verifiedAmount"`
	Activated      bool        `json:"activated"`
	TickScheduled  bool        `json:"tickScheduled"`
}

// handleQueueAdd verifies an on-chain payment and admits the token.
// Verification happens before the store transaction; the engine treats
// the result as the sole admission credential.
func (s *Server) handleQueueAdd(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, "queue-add", limitQueueAdd) {
		return
	}

	var req queueAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if !ValidAddress(req.TokenMint) {
		writeError(w, http.StatusBadRequest, "Invalid token mint address")
		return
	}
	if !ValidAddress(req.WalletAddress) {
		writeError(w, http.StatusBadRequest, "Invalid wallet address")
		return
	}
	method := sessionkernel.Method(req.PaymentMethod)
	if !method.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid payment method")
		return
	}
	tier := sessionkernel.Tier(req.PaymentTier)
	if !tier.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid payment tier")
		return
	}
	if !ValidSignature(req.Signature) {
		writeError(w, http.StatusBadRequest, "Invalid transaction signature format")
		return
	}
	if req.Amount != nil && !positiveNumber(*req.Amount) {
		writeError(w, http.StatusBadRequest, "Amount must be a positive number when provided")
		return
	}

	tokenMint := strings.TrimSpace(req.TokenMint)
	walletAddress := strings.TrimSpace(req.WalletAddress)
	signature := strings.TrimSpace(req.Signature)

	verification, err := s.deps.Verifier.Verify(r.Context(), payment.Input{
		Signature:     signature,
		WalletAddress: walletAddress,
		Method:        method,
		Tier:          tier,
	})
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	result, err := s.deps.Engine.Enqueue(r.Context(), queue.EnqueueInput{
		TokenMint:      tokenMint,
		WalletAddress:  walletAddress,
		Tier:           tier,
		Signature:      signature,
		PaymentMethod:  method,
		PaymentTier:    tier,
		VerifiedAmount: verification.VerifiedAmount,
	})
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	tickScheduled := false
	if result.ActivatedItem != nil {
		tickScheduled = s.deps.Scheduler.ScheduleAdvance(r.Context(), result.ActivatedItem.ExpiresAt, s.origin(r))
	}
	if s.deps.Broker != nil {
		s.deps.Broker.Poll(r.Context())
	}

	writeJSON(w, http.StatusOK, queueAddResponse{
		Success:        true,
		Item:           result.Item,
		VerifiedAmount: verification.VerifiedAmount,
		Activated:      result.ActivatedItem != nil,
		TickScheduled:  tickScheduled,
	})
}

type precheckRequest struct {
	TokenMint   string `json:"tokenMint"`
	PaymentTier string `json:"paymentTier"`
}

type precheckResponse struct {
	OK            bool   `json:"ok"`
	TokenValid    bool   `json:"tokenValid"`
	InCooldown    bool   `json:"inCooldown"`
	AllowStandard bool   `json:"allowStandard"`
	AllowPriority bool   `json:"allowPriority"`
	Reason        string `json:"reason,omitempty"`
}

// handleQueuePrecheck answers whether a tier purchase would be admitted
// right now. Priority is never cooldown-blocked, so allowPriority is
// always true.
func (s *Server) handleQueuePrecheck(w http.ResponseWriter, r *http.Request) {
	if s.deps.Limiter != nil && !s.deps.Limiter.AllowMax(r.Context(), "queue-precheck", clientIP(r), limitRead) {
		rateLimitedTotal.WithLabelValues("queue-precheck").Inc()
		writeJSON(w, http.StatusTooManyRequests, precheckResponse{
			TokenValid: true, InCooldown: true, AllowPriority: true,
			Reason: "Rate limit exceeded",
		})
		return
	}

	var req precheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, precheckResponse{Reason: "Invalid request body"})
		return
	}
	if !ValidAddress(req.TokenMint) {
		writeJSON(w, http.StatusBadRequest, precheckResponse{Reason: "Invalid token mint address"})
		return
	}
	if req.PaymentTier != "" && !sessionkernel.Tier(req.PaymentTier).Valid() {
		writeJSON(w, http.StatusBadRequest, precheckResponse{
			TokenValid: true, Reason: "Invalid payment tier",
		})
		return
	}

	status, err := s.deps.Engine.CooldownStatus(r.Context(), strings.TrimSpace(req.TokenMint))
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	allowStandard := !status.InCooldown
	var tierAllowed bool
	switch sessionkernel.Tier(req.PaymentTier) {
	case sessionkernel.TierStandard:
		tierAllowed = allowStandard
	case sessionkernel.TierPriority:
		tierAllowed = true
	default:
		tierAllowed = true
	}

	resp := precheckResponse{
		OK:            tierAllowed,
		TokenValid:    true,
		InCooldown:    status.InCooldown,
		AllowStandard: allowStandard,
		AllowPriority: true,
	}
	if !tierAllowed {
		resp.Reason = status.Message
		if resp.Reason == "" {
			resp.Reason = "Token is in cooldown"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type checkCooldownRequest struct {
	TokenMint string `json:"tokenMint"`
}

type checkCooldownResponse struct {
	OK         bool       `json:"ok"`
	TokenValid bool       `json:"tokenValid"`
	InCooldown bool       `json:"inCooldown"`
	Message    string     `json:"message,omitempty"`
	EndsAt     *time.Time `json:"cooldownEndsAt,omitempty"`
}

// handleCheckCooldown reports a token's cooldown state without judging
// any particular tier.
func (s *Server) handleCheckCooldown(w http.ResponseWriter, r *http.Request) {
	if s.deps.Limiter != nil && !s.deps.Limiter.AllowMax(r.Context(), "queue-check-cooldown", clientIP(r), limitRead) {
		rateLimitedTotal.WithLabelValues("queue-check-cooldown").Inc()
		writeJSON(w, http.StatusTooManyRequests, checkCooldownResponse{
			TokenValid: true, InCooldown: true, Message: "Rate limit exceeded",
		})
		return
	}

	var req checkCooldownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, checkCooldownResponse{Message: "Invalid request body"})
		return
	}
	if !ValidAddress(req.TokenMint) {
		writeJSON(w, http.StatusBadRequest, checkCooldownResponse{Message: "Invalid token mint address"})
		return
	}

	status, err := s.deps.Engine.CooldownStatus(r.Context(), strings.TrimSpace(req.TokenMint))
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	resp := checkCooldownResponse{
		OK:         true,
		TokenValid: true,
		InCooldown: status.InCooldown,
		Message:    status.Message,
	}
	resp.EndsAt = status.EndsAt
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}
