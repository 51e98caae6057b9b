package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// RPCClient speaks JSON-RPC 2.0 to a ledger node.
type RPCClient struct {
	url        string
	httpClient *http.Client
	nextID     atomic.Int64
}

// RPCConfig represents the client configuration.
type RPCConfig struct {
	URL     string
	Timeout time.Duration
}

// NewRPCClient constructs a JSON-RPC client targeting the supplied URL.
func NewRPCClient(cfg RPCConfig) (*RPCClient, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("ledger: rpc url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RPCClient{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// NextSequence returns the next sequence the ledger expects from authority.
func (c *RPCClient) NextSequence(ctx context.Context, authority string) (uint64, error) {
	var result struct {
		Sequence uint64 `json:"sequence"`
	}
	if err := c.call(ctx, "ledger_nextSequence", []interface{}{authority}, &result); err != nil {
		return 0, err
	}
	return result.Sequence, nil
}

// Submit posts a signed transaction. A transaction the ledger already holds
// is reported as accepted.
func (c *RPCClient) Submit(ctx context.Context, tx SignedTransaction) (string, error) {
	var result struct {
		TxID string `json:"txId"`
	}
	err := c.call(ctx, "ledger_submitTransaction", []interface{}{tx}, &result)
	if IsCode(err, CodeAlreadyKnown) {
		return tx.ID()
	}
	if err != nil {
		return "", err
	}
	txID := strings.TrimSpace(result.TxID)
	if txID == "" {
		return tx.ID()
	}
	return txID, nil
}

// Status reports the ledger's view of txID.
func (c *RPCClient) Status(ctx context.Context, txID string) (TxStatus, error) {
	var result struct {
		Status string `json:"status"`
		Code   int    `json:"code"`
		Reason string `json:"reason"`
	}
	if err := c.call(ctx, "ledger_getTransaction", []interface{}{txID}, &result); err != nil {
		return TxStatus{}, err
	}
	state := TxState(strings.ToLower(strings.TrimSpace(result.Status)))
	switch state {
	case TxPending, TxConfirmed, TxFailed:
	default:
		state = TxUnknown
	}
	return TxStatus{State: state, Code: result.Code, Reason: strings.TrimSpace(result.Reason)}, nil
}

// AccountExists reports whether a holding account is open on the ledger.
func (c *RPCClient) AccountExists(ctx context.Context, address string) (bool, error) {
	var result struct {
		Exists bool `json:"exists"`
	}
	err := c.call(ctx, "ledger_getAccount", []interface{}{address}, &result)
	if IsCode(err, CodeUnknownAccount) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return result.Exists, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

func (c *RPCClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if c == nil || c.httpClient == nil {
		return fmt.Errorf("ledger: client not configured")
	}
	id := c.nextID.Add(1)
	reqBody := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %s: %w", ErrUnavailable, method, ctxErr)
		}
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s: status %d: %s", ErrUnavailable, method, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%w: %s: decode response: %v", ErrUnavailable, method, err)
	}
	if rpcResp.Error != nil {
		if isRejectionCode(rpcResp.Error.Code) {
			return &RejectedError{Code: rpcResp.Error.Code, Reason: rpcResp.Error.Message}
		}
		return fmt.Errorf("ledger: %s: error %d %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("ledger: %s: decode result: %w", method, err)
	}
	return nil
}

var _ Client = (*RPCClient)(nil)

// IsTransient reports whether err leaves the outcome of a request unknown.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
