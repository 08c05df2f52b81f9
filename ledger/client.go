package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is the read surface payment verification depends on.
// GetTransaction and GetAccountInfo return (nil, nil) when the target
// does not exist; errors indicate transport or node failures.
type Client interface {
	GetTransaction(ctx context.Context, signature string) (*Transaction, error)
	GetAccountInfo(ctx context.Context, address string) (*Account, error)
}

// RPCError is a JSON-RPC error payload returned by a node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("ledger: rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCClient talks JSON-RPC to a single Solana node.
type RPCClient struct {
	endpoint   string
	httpClient *http.Client
}

var _ Client = (*RPCClient)(nil)

// NewRPCClient builds a client for one endpoint without probing it.
func NewRPCClient(endpoint string) *RPCClient {
	return &RPCClient{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Dial probes each endpoint in order with a getLatestBlockhash call and
// returns a client for the first one that answers. It fails only when
// every endpoint is unreachable.
func Dial(ctx context.Context, endpoints []string) (*RPCClient, error) {
	var lastErr error
	for _, endpoint := range endpoints {
		if endpoint == "" {
			continue
		}
		c := NewRPCClient(endpoint)
		if err := c.ping(ctx); err != nil {
			lastErr = err
			continue
		}
		return c, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no endpoints configured")
	}
	return nil, fmt.Errorf("ledger: no available rpc endpoint: %w", lastErr)
}

func (c *RPCClient) ping(ctx context.Context) error {
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	return c.call(ctx, "getLatestBlockhash",
		[]any{map[string]any{"commitment": "confirmed"}}, &result)
}

// GetTransaction fetches a finalized transaction in parsed encoding.
// A nil transaction with a nil error means the signature is not yet
// visible as finalized.
func (c *RPCClient) GetTransaction(ctx context.Context, signature string) (*Transaction, error) {
	params := []any{signature, map[string]any{
		"encoding":                       "jsonParsed",
		"commitment":                     "finalized",
		"maxSupportedTransactionVersion": 0,
	}}

	var result json.RawMessage
	if err := c.call(ctx, "getTransaction", params, &result); err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}

	var raw struct {
		Slot        uint64           `json:"slot"`
		BlockTime   *int64           `json:"blockTime"`
		Meta        *TransactionMeta `json:"meta"`
		Transaction struct {
			Message TransactionMessage `json:"message"`
		} `json:"transaction"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("ledger: decode transaction: %w", err)
	}

	return &Transaction{
		Slot:      raw.Slot,
		BlockTime: raw.BlockTime,
		Meta:      raw.Meta,
		Message:   raw.Transaction.Message,
	}, nil
}

// GetAccountInfo fetches an account in parsed encoding at confirmed
// commitment. A nil account with a nil error means the account does
// not exist.
func (c *RPCClient) GetAccountInfo(ctx context.Context, address string) (*Account, error) {
	params := []any{address, map[string]any{
		"encoding":   "jsonParsed",
		"commitment": "confirmed",
	}}

	var result struct {
		Value *struct {
			Owner string `json:"owner"`
			Data  struct {
				Parsed *struct {
					Info *AccountInfo `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getAccountInfo", params, &result); err != nil {
		return nil, err
	}
	if result.Value == nil {
		return nil, nil
	}

	account := &Account{OwnerProgram: result.Value.Owner}
	if parsed := result.Value.Data.Parsed; parsed != nil {
		account.Parsed = parsed.Info
	}
	return account, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params []any, out any) error {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("ledger: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("ledger: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledger: %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ledger: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("ledger: %s: http %d: %s", method, resp.StatusCode, body)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("ledger: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("ledger: decode result: %w", err)
		}
	}
	return nil
}
