// Package flashbots is a client for relays speaking the Flashbots bundle RPC.
package flashbots

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	contentTypeJSON  = "application/json"
	flashbotsXHeader = "X-Flashbots-Signature"
	methodSendBundle = "eth_sendBundle"
	methodCallBundle = "eth_callBundle"
)

// RPCError is an error object returned by the relay. The relay understood
// the request and refused it.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("relay error %d: %s", e.Code, e.Message)
}

// HTTPError is a non-200 response without a JSON-RPC body.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("relay request failed with status %d: %s", e.StatusCode, e.Body)
}

// Rejected reports whether the relay refused the request itself, as opposed
// to failing to process it.
func (e *HTTPError) Rejected() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Client represents a Flashbots RPC client
type Client struct {
	httpClient *http.Client
	relayURL   string
	authSigner *ecdsa.PrivateKey
	nextID     atomic.Uint64
}

// NewClient creates a new Flashbots client. authKey signs every request and
// identifies the searcher to the relay; it never holds funds.
func NewClient(relayURL string, authKey *ecdsa.PrivateKey, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		relayURL:   relayURL,
		authSigner: authKey,
	}
}

// Bundle represents a Flashbots transaction bundle
type Bundle struct {
	Txs               [][]byte // RLP-encoded transactions
	BlockNumber       uint64
	MinTimestamp      uint64
	MaxTimestamp      uint64
	RevertingTxHashes []common.Hash
}

type sendBundleArgs struct {
	Txs               []hexutil.Bytes `json:"txs"`
	BlockNumber       hexutil.Uint64  `json:"blockNumber"`
	MinTimestamp      uint64          `json:"minTimestamp,omitempty"`
	MaxTimestamp      uint64          `json:"maxTimestamp,omitempty"`
	RevertingTxHashes []common.Hash   `json:"revertingTxHashes,omitempty"`
}

type callBundleArgs struct {
	Txs              []hexutil.Bytes `json:"txs"`
	BlockNumber      hexutil.Uint64  `json:"blockNumber"`
	StateBlockNumber string          `json:"stateBlockNumber"`
	Timestamp        uint64          `json:"timestamp,omitempty"`
}

// BundleSimulation represents the result of simulating a bundle
type BundleSimulation struct {
	BundleHash       common.Hash
	GasUsed          uint64
	StateBlockNumber uint64
	Error            string
}

// Success reports whether every transaction executed without reverting.
func (s *BundleSimulation) Success() bool { return s.Error == "" }

type request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// SendBundle submits bundle for inclusion and returns the relay's bundle hash.
func (c *Client) SendBundle(ctx context.Context, bundle *Bundle) (common.Hash, error) {
	args := sendBundleArgs{
		Txs:               encodeTxs(bundle.Txs),
		BlockNumber:       hexutil.Uint64(bundle.BlockNumber),
		MinTimestamp:      bundle.MinTimestamp,
		MaxTimestamp:      bundle.MaxTimestamp,
		RevertingTxHashes: bundle.RevertingTxHashes,
	}

	var result struct {
		BundleHash common.Hash `json:"bundleHash"`
	}
	if err := c.call(ctx, methodSendBundle, args, &result); err != nil {
		return common.Hash{}, err
	}
	return result.BundleHash, nil
}

// CallBundle simulates bundle on top of the latest state.
func (c *Client) CallBundle(ctx context.Context, bundle *Bundle) (*BundleSimulation, error) {
	args := callBundleArgs{
		Txs:              encodeTxs(bundle.Txs),
		BlockNumber:      hexutil.Uint64(bundle.BlockNumber),
		StateBlockNumber: "latest",
		Timestamp:        uint64(time.Now().Unix()),
	}

	var result struct {
		BundleHash       common.Hash    `json:"bundleHash"`
		TotalGasUsed     uint64         `json:"totalGasUsed"`
		StateBlockNumber uint64         `json:"stateBlockNumber"`
		Results          []struct {
			Error  string `json:"error"`
			Revert string `json:"revert"`
		} `json:"results"`
	}
	if err := c.call(ctx, methodCallBundle, args, &result); err != nil {
		return nil, err
	}

	sim := &BundleSimulation{
		BundleHash:       result.BundleHash,
		GasUsed:          result.TotalGasUsed,
		StateBlockNumber: result.StateBlockNumber,
	}
	for _, r := range result.Results {
		if r.Error != "" {
			sim.Error = r.Error
			if r.Revert != "" {
				sim.Error += ": " + r.Revert
			}
			break
		}
	}
	return sim, nil
}

func (c *Client) call(ctx context.Context, method string, args interface{}, result interface{}) error {
	payload, err := json.Marshal(request{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  []interface{}{args},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.relayURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	header, err := c.signature(payload)
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", contentTypeJSON)
	req.Header.Add("Accept", contentTypeJSON)
	req.Header.Add(flashbotsXHeader, header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var decoded response
	if jsonErr := json.Unmarshal(body, &decoded); jsonErr != nil || (decoded.Error == nil && resp.StatusCode != http.StatusOK) {
		if resp.StatusCode != http.StatusOK {
			return &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
		}
		return fmt.Errorf("failed to decode response: %w", jsonErr)
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if result != nil && len(decoded.Result) > 0 {
		if err := json.Unmarshal(decoded.Result, result); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

// signature builds the X-Flashbots-Signature header value: the signer
// address and its signature over the hex-encoded keccak of the body.
func (c *Client) signature(payload []byte) (string, error) {
	sig, err := crypto.Sign(
		accounts.TextHash([]byte(hexutil.Encode(crypto.Keccak256(payload)))),
		c.authSigner,
	)
	if err != nil {
		return "", fmt.Errorf("failed to sign request: %w", err)
	}
	return fmt.Sprintf("%s:%s",
		crypto.PubkeyToAddress(c.authSigner.PublicKey).Hex(),
		hexutil.Encode(sig),
	), nil
}

func encodeTxs(txs [][]byte) []hexutil.Bytes {
	out := make([]hexutil.Bytes, len(txs))
	for i, tx := range txs {
		out[i] = tx
	}
	return out
}
