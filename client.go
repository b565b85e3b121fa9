package walletgate

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/walletgate/core"
	"github.com/layer-3/walletgate/internal/eth"
)

// HTTPClient talks to a walletgate server over HTTP
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewClient creates a client for the server at baseURL, e.g. "https://auth.example.org".
// httpClient may be nil.
func NewClient(baseURL string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// RelayURL is the websocket endpoint of the relay
func (c *HTTPClient) RelayURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/relay"
}

type errorBody struct {
	Code         string `json:"code"`
	Error        string `json:"error"`
	RetryAfterMs int64  `json:"retry_after_ms"`
}

// decodeError turns a non-2xx response into an *APIError
func decodeError(resp *http.Response) error {
	var body errorBody
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err != nil || body.Code == "" {
		body.Code = core.CodeInternal
		body.Error = strings.TrimSpace(string(data))
	}

	return &APIError{
		Status:     resp.StatusCode,
		Code:       body.Code,
		Message:    body.Error,
		RetryAfter: time.Duration(body.RetryAfterMs) * time.Millisecond,
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// Challenge requests a sign-in challenge for an account
func (c *HTTPClient) Challenge(ctx context.Context, account string) (*Challenge, error) {
	var challenge Challenge
	if err := c.do(ctx, http.MethodPost, "/auth/challenge", "", map[string]string{"account": account}, &challenge); err != nil {
		return nil, err
	}
	return &challenge, nil
}

// Verify submits a signed challenge
func (c *HTTPClient) Verify(ctx context.Context, req VerifyRequest) (*Session, error) {
	var session Session
	if err := c.do(ctx, http.MethodPost, "/auth/verify", "", req, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Session describes the session behind token
func (c *HTTPClient) Session(ctx context.Context, token string) (*Session, error) {
	var session Session
	if err := c.do(ctx, http.MethodGet, "/auth/session", token, nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Revoke invalidates token
func (c *HTTPClient) Revoke(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/auth/revoke", token, nil, nil)
}

// SignIn runs the challenge flow with a local key using personal_sign
func SignIn(ctx context.Context, c Client, key *ecdsa.PrivateKey) (*Session, error) {
	account := crypto.PubkeyToAddress(key.PublicKey).Hex()

	challenge, err := c.Challenge(ctx, account)
	if err != nil {
		return nil, err
	}

	sig, err := eth.SignPersonal([]byte(challenge.Message), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign challenge: %w", err)
	}

	payload, err := json.Marshal(challenge.Message)
	if err != nil {
		return nil, err
	}

	return c.Verify(ctx, VerifyRequest{
		Account:   account,
		Nonce:     challenge.Nonce,
		Signature: hexutil.Encode(sig),
		Scheme:    core.SchemePersonalMessage,
		Payload:   payload,
	})
}
