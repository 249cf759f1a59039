package lightclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client queries a remote light-client service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("lightclient: base url required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: trimmed,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

type verifyRequest struct {
	Chain     string `json:"chain"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
	Memo      string `json:"memo"`
	Proof     []byte `json:"proof"`
	TxHash    string `json:"txHash,omitempty"`
}

type verifyResponse struct {
	Valid       bool   `json:"valid"`
	TxHash      string `json:"txHash,omitempty"`
	BlockHeight uint64 `json:"blockHeight,omitempty"`
}

func (c *Client) VerifyPaymentProof(ctx context.Context, claim Claim, proof []byte) (Payment, bool, error) {
	resp, err := c.verify(ctx, "/v1/verify/payment", claim, proof, "")
	if err != nil || !resp.Valid {
		return Payment{}, false, err
	}
	txHash := strings.TrimSpace(resp.TxHash)
	if txHash == "" {
		return Payment{}, false, fmt.Errorf("lightclient: valid payment without tx hash")
	}
	return Payment{TxHash: txHash, BlockHeight: resp.BlockHeight}, true, nil
}

func (c *Client) VerifyTransitionProof(ctx context.Context, claim Claim, proof []byte, txHash string) (bool, error) {
	resp, err := c.verify(ctx, "/v1/verify/transition", claim, proof, txHash)
	return resp.Valid, err
}

func (c *Client) verify(ctx context.Context, path string, claim Claim, proof []byte, txHash string) (verifyResponse, error) {
	amount := "0"
	if claim.Amount != nil {
		amount = claim.Amount.String()
	}
	buf, err := json.Marshal(verifyRequest{
		Chain:     string(claim.Chain),
		Asset:     claim.Asset,
		Amount:    amount,
		Recipient: claim.Recipient,
		Memo:      claim.Memo,
		Proof:     proof,
		TxHash:    txHash,
	})
	if err != nil {
		return verifyResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return verifyResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return verifyResponse{}, fmt.Errorf("lightclient: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return verifyResponse{}, fmt.Errorf("lightclient: verify failed: status=%d", resp.StatusCode)
	}
	var decoded verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return verifyResponse{}, fmt.Errorf("lightclient: decode response: %w", err)
	}
	return decoded, nil
}

var _ Verifier = (*Client)(nil)
