// Package relay talks to the gas-sponsoring signer service. The relay signs
// and submits contract calls on the service's behalf and answers with a
// transaction hash; everything past that point (confirmation, receipts) is
// handled elsewhere.
package relay

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

// Submitter is the surface consumed by the mint coordinator. signerRef names
// the relay-held signing credential to use; the relay resolves it to a key.
type Submitter interface {
	Submit(ctx context.Context, contract, signerRef, method string, args []interface{}) (string, error)
}

// RejectedError carries the relay-side rejection verbatim. The reason string
// usually embeds the contract revert message and is fed to the revert
// classifier unmodified.
type RejectedError struct {
	Code   int
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("relay rejected submission (code %d): %s", e.Code, e.Reason)
}

// Client implements Submitter against the relay's JSON-RPC endpoint.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// New constructs a relay client. The timeout bounds a single submit round
// trip, not transaction confirmation.
func New(baseURL, authToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		authToken: strings.TrimSpace(authToken),
		http:      &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type submitParams struct {
	Contract  string        `json:"contract"`
	SignerRef string        `json:"signerRef,omitempty"`
	Method    string        `json:"method"`
	Args      []interface{} `json:"args"`
}

type submitResult struct {
	TxHash string `json:"txHash"`
}

// Submit asks the relay to sign and broadcast a contract call. A non-empty
// hash means the network accepted the transaction; it says nothing about
// eventual execution success.
func (c *Client) Submit(ctx context.Context, contract, signerRef, method string, args []interface{}) (string, error) {
	if strings.TrimSpace(contract) == "" {
		return "", errors.New("contract address required")
	}
	if strings.TrimSpace(method) == "" {
		return "", errors.New("method required")
	}
	var result submitResult
	err := c.call(ctx, "relay_submit", submitParams{Contract: contract, SignerRef: strings.TrimSpace(signerRef), Method: method, Args: args}, &result)
	if err != nil {
		return "", err
	}
	hash := strings.TrimSpace(result.TxHash)
	if hash == "" {
		return "", errors.New("relay returned empty transaction hash")
	}
	return hash, nil
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	payload := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  []interface{}{params},
		ID:      c.nextID.Add(1),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode relay request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read relay response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var decoded rpcResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode relay response: %w", err)
	}
	if decoded.Error != nil {
		return &RejectedError{Code: decoded.Error.Code, Reason: decoded.Error.Message}
	}
	if out != nil && len(decoded.Result) > 0 {
		if err := json.Unmarshal(decoded.Result, out); err != nil {
			return fmt.Errorf("decode relay result: %w", err)
		}
	}
	return nil
}
