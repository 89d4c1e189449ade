// Package external stubs out the collaborators the P2P/journal core talks
// to but does not implement itself: the node's own JSON-RPC surface (used
// to relay double-spend notifications and query wallet/authority state)
// and the signature verifier double-spend callbacks are checked against.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// SignatureContext is the external verifier double-spend callback
// endorsements are checked against. The journal/download-tracker core never
// performs a signature operation itself; it only threads an opaque
// verifier through to whatever collaborator does.
type SignatureContext interface {
	Verify(pubKey *btcec.PublicKey, sig *ecdsa.Signature, msgHash []byte) bool
}

// ecdsaSignatureContext is the default SignatureContext: plain ECDSA
// verification over secp256k1, the curve the double-spend endorsement
// scheme this callback supports is built on.
type ecdsaSignatureContext struct{}

// NewECDSASignatureContext returns the default SignatureContext.
func NewECDSASignatureContext() SignatureContext { return ecdsaSignatureContext{} }

func (ecdsaSignatureContext) Verify(pubKey *btcec.PublicKey, sig *ecdsa.Signature, msgHash []byte) bool {
	if pubKey == nil || sig == nil {
		return false
	}
	return sig.Verify(msgHash, pubKey)
}

// RPCRequest is a JSON-RPC 1.0 style request, matching the wire shape the
// node's own RPC server (an external collaborator, not implemented here)
// expects.
type RPCRequest struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
	ID     int           `json:"id"`
}

// RPCResponse is the corresponding JSON-RPC response envelope.
type RPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
	ID     int             `json:"id"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// RPCClient calls a node's JSON-RPC endpoint with an explicit, configurable
// timeout applied to every round trip.
type RPCClient interface {
	Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error)
}

// HTTPRPCClient is the production RPCClient: a plain net/http client
// against a JSON-RPC 1.0 endpoint, protected by a per-call timeout.
type HTTPRPCClient struct {
	endpoint string
	user     string
	password string
	timeout  time.Duration
	client   *http.Client
	nextID   int
}

// NewHTTPRPCClient creates a client targeting endpoint (e.g.
// "http://127.0.0.1:8332") with basic-auth credentials user/password and a
// per-call timeout.
func NewHTTPRPCClient(endpoint, user, password string, timeout time.Duration) *HTTPRPCClient {
	return &HTTPRPCClient{
		endpoint: endpoint,
		user:     user,
		password: password,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
	}
}

// Call issues one JSON-RPC request and returns its raw result, or the
// decoded RPCError if the server returned one. ctx is combined with the
// client's configured timeout via context.WithTimeout, whichever is
// shorter wins.
func (c *HTTPRPCClient) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.nextID++
	reqBody, err := json.Marshal(RPCRequest{Method: method, Params: params, ID: c.nextID})
	if err != nil {
		return nil, fmt.Errorf("external: encode rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("external: build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("external: rpc call %s: %w", method, err)
	}
	defer resp.Body.Close()

	var rpcResp RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("external: decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}
