// Package rpcclient is the one JSON-RPC-over-HTTP client shared by every
// concrete chain adapter's backend: UTXO daemons speak their own
// bitcoind-style method names (listtransactions, sendtoaddress, …),
// account-model chains speak eth_*, and XRPL speaks account_tx/account_info
// — but all three are JSON-RPC 2.0 request/response pairs over HTTP POST,
// the same carrier go-ethereum's own ethclient/rpc packages use to talk to
// a geth node. spec.md §1 names the specific dialects as abstracted
// collaborators; this package is the minimal transport every dialect rides.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

type Client struct {
	url  string
	http *http.Client
	auth *BasicAuth
}

type BasicAuth struct {
	Username, Password string
}

func New(url string, auth *BasicAuth) *Client {
	return &Client{url: url, http: &http.Client{}, auth: auth}
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// Call invokes method with params and decodes the result into out (pass a
// pointer, or nil to discard the result).
func (c *Client) Call(ctx context.Context, out any, method string, params ...any) error {
	body, err := json.Marshal(request{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.auth != nil {
		req.SetBasicAuth(c.auth.Username, c.auth.Password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var rpcResp response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("rpcclient: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}
