package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sessionkernel "github.com/sessionmint/sessionkernelxyz"
	"github.com/sessionmint/sessionkernelxyz/api"
	"github.com/sessionmint/sessionkernelxyz/payment"
	"github.com/sessionmint/sessionkernelxyz/queue"
	"github.com/sessionmint/sessionkernelxyz/ratelimit"
	"github.com/sessionmint/sessionkernelxyz/store/memory"
	"github.com/sessionmint/sessionkernelxyz/stream"
)

const (
	mintA   = "So11111111111111111111111111111111111111112"
	mintB   = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	walletA = "11111111111111111111111111111111"
	secret  = "test-cron-secret"
)

// ── fixture ──

type clock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

type fakeVerifier struct {
	mu     sync.Mutex
	err    error
	amount string
	last   payment.Input
}

func (f *fakeVerifier) Verify(_ context.Context, in payment.Input) (*payment.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = in
	if f.err != nil {
		return nil, f.err
	}
	return &payment.Result{
		Signature:      in.Signature,
		WalletAddress:  in.WalletAddress,
		Method:         in.Method,
		Tier:           in.Tier,
		VerifiedAmount: f.amount,
	}, nil
}

type fakeScheduler struct {
	mu      sync.Mutex
	at      []time.Time
	origins []string
	ret     bool
}

func (f *fakeScheduler) ScheduleAdvance(_ context.Context, executeAt time.Time, origin string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.at = append(f.at, executeAt)
	f.origins = append(f.origins, origin)
	return f.ret
}

type fixture struct {
	srv       *httptest.Server
	store     *memory.Store
	engine    *queue.Engine
	verifier  *fakeVerifier
	scheduler *fakeScheduler
	clock     *clock
}

func newFixture(t *testing.T, opts ...api.Option) *fixture {
	t.Helper()

	clk := &clock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	st := memory.New()
	cfg := sessionkernel.DefaultConfig()
	eng := queue.NewEngine(st, cfg, queue.WithClock(clk.now))

	f := &fixture{
		store:     st,
		engine:    eng,
		verifier:  &fakeVerifier{amount: "10000000"},
		scheduler: &fakeScheduler{ret: true},
		clock:     clk,
	}

	limiter := ratelimit.NewLimiter(st, cfg.AppID, cfg.RateLimitWindow, cfg.RateLimitMaxRequests,
		ratelimit.WithClock(clk.now))

	opts = append([]api.Option{api.WithCronSecret(secret)}, opts...)
	server := api.NewServer(cfg, api.Deps{
		Engine:    eng,
		Verifier:  f.verifier,
		Limiter:   limiter,
		Scheduler: f.scheduler,
	}, opts...)

	f.srv = httptest.NewServer(server.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) post(t *testing.T, path string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeObject(t, resp)
}

func decodeObject(t *testing.T, resp *http.Response) map[string]json.RawMessage {
	t.Helper()
	defer resp.Body.Close()
	var obj map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return obj
}

func addPayload(mint string) map[string]any {
	return map[string]any{
		"tokenMint":     mint,
		"walletAddress": walletA,
		"signature":     strings.Repeat("3xKq", 16),
		"paymentMethod": "SOL",
		"paymentTier":   "standard",
	}
}

// ── queue add ──

func TestQueueAdd_AdmitsAndSchedulesTick(t *testing.T) {
	f := newFixture(t)

	resp, body := f.post(t, "/api/queue/add", addPayload(mintA))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}

	var success, activated, tickScheduled bool
	mustUnmarshal(t, body["success"], &success)
	mustUnmarshal(t, body["activated"], &activated)
	mustUnmarshal(t, body["tickScheduled"], &tickScheduled)
	if !success || !activated || !tickScheduled {
		t.Errorf("success=%v activated=%v tickScheduled=%v, want all true", success, activated, tickScheduled)
	}

	var item queue.Item
	mustUnmarshal(t, body["item"], &item)
	if item.TokenMint != mintA {
		t.Errorf("item token = %q, want %q", item.TokenMint, mintA)
	}

	var amount string
	mustUnmarshal(t, body["verifiedAmount"], &amount)
	if amount != "10000000" {
		t.Errorf("verifiedAmount = %q", amount)
	}

	// Idle-slot admission activates immediately; the scheduler gets the
	// item expiry.
	wantExpiry := f.clock.now().Add(10 * time.Minute)
	if len(f.scheduler.at) != 1 || !f.scheduler.at[0].Equal(wantExpiry) {
		t.Errorf("scheduled at %v, want [%v]", f.scheduler.at, wantExpiry)
	}

	if f.verifier.last.WalletAddress != walletA {
		t.Errorf("verifier saw wallet %q", f.verifier.last.WalletAddress)
	}
}

func TestQueueAdd_RejectsMalformedFields(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name    string
		mutate  func(map[string]any)
		wantErr string
	}{
		{"bad token mint", func(p map[string]any) { p["tokenMint"] = "not-base58!" }, "Invalid token mint address"},
		{"bad wallet", func(p map[string]any) { p["walletAddress"] = "short" }, "Invalid wallet address"},
		{"bad method", func(p map[string]any) { p["paymentMethod"] = "USDC" }, "Invalid payment method"},
		{"bad tier", func(p map[string]any) { p["paymentTier"] = "vip" }, "Invalid payment tier"},
		{"bad signature", func(p map[string]any) { p["signature"] = "0OIl" }, "Invalid transaction signature format"},
		{"negative amount", func(p map[string]any) { p["amount"] = -1.0 }, "Amount must be a positive number when provided"},
		{"zero amount", func(p map[string]any) { p["amount"] = 0.0 }, "Amount must be a positive number when provided"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := addPayload(mintA)
			tc.mutate(p)
			resp, body := f.post(t, "/api/queue/add", p)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			var msg string
			mustUnmarshal(t, body["error"], &msg)
			if msg != tc.wantErr {
				t.Errorf("error = %q, want %q", msg, tc.wantErr)
			}
		})
	}
}

func TestQueueAdd_VerificationFailureStatuses(t *testing.T) {
	tests := []struct {
		kind       payment.Kind
		wantStatus int
	}{
		{payment.KindAmountMismatch, http.StatusBadRequest},
		{payment.KindTxNotFound, http.StatusBadRequest},
		{payment.KindSignerMismatch, http.StatusBadRequest},
		{payment.KindRPCUnavailable, http.StatusServiceUnavailable},
	}

	for _, tc := range tests {
		t.Run(string(tc.kind), func(t *testing.T) {
			f := newFixture(t)
			f.verifier.err = payment.NewError(tc.kind, "nope")

			resp, _ := f.post(t, "/api/queue/add", addPayload(mintA))
			if resp.StatusCode != tc.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}
		})
	}
}

func TestQueueAdd_ReplayedSignatureConflicts(t *testing.T) {
	f := newFixture(t)

	if resp, _ := f.post(t, "/api/queue/add", addPayload(mintA)); resp.StatusCode != http.StatusOK {
		t.Fatalf("first add status = %d", resp.StatusCode)
	}
	resp, body := f.post(t, "/api/queue/add", addPayload(mintB))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("replay status = %d, want 409, body %v", resp.StatusCode, body)
	}
}

func TestQueueAdd_RateLimited(t *testing.T) {
	f := newFixture(t)

	// The budget check runs before body parsing, so malformed bodies
	// still consume it.
	for i := 0; i < 20; i++ {
		resp, err := http.Post(f.srv.URL+"/api/queue/add", "application/json", strings.NewReader("{"))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("request %d status = %d, want 400", i, resp.StatusCode)
		}
	}

	resp, body := f.post(t, "/api/queue/add", addPayload(mintA))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429, body %v", resp.StatusCode, body)
	}
}

// ── precheck / cooldown ──

func TestPrecheck_CleanToken(t *testing.T) {
	f := newFixture(t)

	resp, body := f.post(t, "/api/queue/precheck", map[string]any{
		"tokenMint": mintA, "paymentTier": "standard",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	assertBool(t, body, "ok", true)
	assertBool(t, body, "allowStandard", true)
	assertBool(t, body, "allowPriority", true)
	assertBool(t, body, "inCooldown", false)
}

func TestPrecheck_CooldownBlocksStandardNotPriority(t *testing.T) {
	f := newFixture(t)
	seedCooldown(t, f, mintA)

	resp, body := f.post(t, "/api/queue/precheck", map[string]any{
		"tokenMint": mintA, "paymentTier": "standard",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	assertBool(t, body, "ok", false)
	assertBool(t, body, "allowStandard", false)
	assertBool(t, body, "allowPriority", true)
	if _, present := body["reason"]; !present {
		t.Error("blocked precheck should carry a reason")
	}

	_, body = f.post(t, "/api/queue/precheck", map[string]any{
		"tokenMint": mintA, "paymentTier": "priority",
	})
	assertBool(t, body, "ok", true)
}

func TestPrecheck_InvalidMint(t *testing.T) {
	f := newFixture(t)

	resp, body := f.post(t, "/api/queue/precheck", map[string]any{"tokenMint": "nope"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	assertBool(t, body, "tokenValid", false)
}

func TestCheckCooldown(t *testing.T) {
	f := newFixture(t)

	resp, body := f.post(t, "/api/queue/check-cooldown", map[string]any{"tokenMint": mintA})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
	assertBool(t, body, "ok", true)
	assertBool(t, body, "inCooldown", false)

	seedCooldown(t, f, mintB)
	_, body = f.post(t, "/api/queue/check-cooldown", map[string]any{"tokenMint": mintB})
	assertBool(t, body, "inCooldown", true)
	if _, present := body["cooldownEndsAt"]; !present {
		t.Error("cooldown response should carry cooldownEndsAt")
	}
}

// ── state / tick ──

func TestState_ReturnsSnapshot(t *testing.T) {
	f := newFixture(t)
	if resp, _ := f.post(t, "/api/queue/add", addPayload(mintA)); resp.StatusCode != http.StatusOK {
		t.Fatal("seed add failed")
	}

	resp, err := http.Get(f.srv.URL + "/api/state")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}

	var snapshot queue.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if snapshot.CurrentToken != mintA {
		t.Errorf("currentToken = %q, want %q", snapshot.CurrentToken, mintA)
	}
}

func TestTick_RequiresSecret(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		secret string
	}{
		{"missing", ""},
		{"wrong", "other"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/api/state/tick", nil)
			if tc.secret != "" {
				req.Header.Set("x-cron-secret", tc.secret)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", resp.StatusCode)
			}
		})
	}
}

func TestTick_UnconfiguredSecretRejectsAll(t *testing.T) {
	f := newFixture(t, api.WithCronSecret(""))

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/api/state/tick", nil)
	req.Header.Set("x-cron-secret", "")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestTick_AdvancesExpiredSlot(t *testing.T) {
	f := newFixture(t)
	if resp, _ := f.post(t, "/api/queue/add", addPayload(mintA)); resp.StatusCode != http.StatusOK {
		t.Fatal("seed add failed")
	}
	f.clock.advance(11 * time.Minute)

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/api/state/tick",
		strings.NewReader(`{"reason":"scheduler"}`))
	req.Header.Set("x-cron-secret", secret)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeObject(t, resp)

	assertBool(t, body, "success", true)
	var result queue.TickResult
	mustUnmarshal(t, body["result"], &result)
	if !result.Changed || result.PreviousToken != mintA {
		t.Errorf("result = %+v, want changed with previous %q", result, mintA)
	}
}

func TestTick_EmptyBodyDefaultsToManual(t *testing.T) {
	f := newFixture(t)

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/api/state/tick", nil)
	req.Header.Set("x-cron-secret", secret)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 for empty body", resp.StatusCode)
	}
	body := decodeObject(t, resp)
	assertBool(t, body, "success", true)
}

// ── stream ──

func TestStream_DeliversInitialState(t *testing.T) {
	clk := &clock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	st := memory.New()
	cfg := sessionkernel.DefaultConfig()
	eng := queue.NewEngine(st, cfg, queue.WithClock(clk.now))
	broker := stream.NewBroker(eng)
	broker.Poll(context.Background())

	server := api.NewServer(cfg, api.Deps{Engine: eng, Broker: broker})
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/state/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(line) != "event: state" {
		t.Fatalf("first frame line = %q, want event: state", line)
	}
	data, err := reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(data, "data: ") {
		t.Fatalf("second frame line = %q, want data payload", data)
	}
}

// ── device ──

func TestDevice_DisabledIntegration(t *testing.T) {
	f := newFixture(t)

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut} {
		req, _ := http.NewRequest(method, f.srv.URL+"/api/device", strings.NewReader("{}"))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", method, resp.StatusCode)
		}
	}
}

// ── helpers ──

func seedCooldown(t *testing.T, f *fixture, mint string) {
	t.Helper()
	endsAt := f.clock.now().Add(2 * time.Hour)
	err := f.store.Update(context.Background(), func(tx queue.Tx) error {
		return tx.PutCooldown(&queue.Cooldown{TokenMint: mint, EndsAt: endsAt, UpdatedAt: f.clock.now()})
	})
	if err != nil {
		t.Fatalf("seed cooldown: %v", err)
	}
}

func mustUnmarshal(t *testing.T, raw json.RawMessage, v any) {
	t.Helper()
	if raw == nil {
		t.Fatalf("missing field while decoding into %T", v)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
}

func assertBool(t *testing.T, body map[string]json.RawMessage, field string, want bool) {
	t.Helper()
	var got bool
	mustUnmarshal(t, body[field], &got)
	if got != want {
		t.Errorf("%s = %v, want %v", field, got, want)
	}
}
