// Package txpipe implements the "consensus transaction pipe" collaborator:
// a JWT-bearer-authenticated HTTP client the orchestrator uses to broadcast
// its own reactivation transactions, grounded on the beacon engine's
// RPCClient.CallEngine Engine-API JWT pattern.
package txpipe

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v4"

	"github.com/equa/go-validator/internal/log"
)

// Pipe broadcasts raw transactions to a consensus node over JSON-RPC,
// authenticating each call with a freshly minted short-lived JWT rather
// than a static Engine-API secret, since it signs on the validator's own
// behalf instead of impersonating a paired execution client.
type Pipe struct {
	endpoint string
	secret   []byte
	client   *http.Client
	log      *log.Logger
}

// New builds a Pipe that POSTs JSON-RPC requests to endpoint, signing a
// fresh HS256 JWT per call with secret.
func New(endpoint string, secret []byte) *Pipe {
	return &Pipe{
		endpoint: endpoint,
		secret:   secret,
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      log.Module("txpipe"),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// BroadcastReactivation submits a signed reactivation transaction and
// returns its transaction hash as reported by the node.
func (p *Pipe) BroadcastReactivation(ctx context.Context, rawTx []byte) (txHash string, err error) {
	token, err := p.mintToken()
	if err != nil {
		return "", errors.Wrap(err, "txpipe: mint auth token")
	}

	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  "equa_sendReactivationTransaction",
		Params:  []any{"0x" + encodeHex(rawTx)},
		ID:      1,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", errors.Wrap(err, "txpipe: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "txpipe: build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", errors.Wrap(err, "txpipe: do request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "txpipe: read response")
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return "", errors.Wrap(err, "txpipe: decode response")
	}
	if rpcResp.Error != nil {
		return "", errors.Newf("txpipe: rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}

	var hash string
	if err := json.Unmarshal(rpcResp.Result, &hash); err != nil {
		return "", errors.Wrap(err, "txpipe: decode result")
	}
	p.log.Info("broadcast reactivation transaction", "hash", hash)
	return hash, nil
}

func (p *Pipe) mintToken() (string, error) {
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(60 * time.Second)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(p.secret)
}

func encodeHex(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}
