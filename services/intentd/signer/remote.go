package signer

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"intentbook/native/settlement"
	"intentbook/native/subintent"
)

// RemoteConfig captures the parameters for the signing network gateway.
// Client certificates are optional; when set the session is mutually
// authenticated.
type RemoteConfig struct {
	BaseURL    string
	CACertPath string
	ClientCert string
	ClientKey  string
	Timeout    time.Duration
	SignPath   string
}

// Remote signs through an HTTP gateway in front of the MPC network.
type Remote struct {
	httpClient *http.Client
	baseURL    string
	signPath   string
}

func NewRemote(cfg RemoteConfig) (*Remote, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("signer: base url required")
	}
	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	signPath := strings.TrimSpace(cfg.SignPath)
	if signPath == "" {
		signPath = "/v1/sign"
	}
	return &Remote{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(transport),
		},
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		signPath: "/" + strings.TrimLeft(signPath, "/"),
	}, nil
}

func buildTLSConfig(cfg RemoteConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.ClientCert != "" || cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("signer: load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	if strings.TrimSpace(cfg.CACertPath) != "" {
		pemBytes, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("signer: read ca certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("signer: failed to append ca certificate %s", cfg.CACertPath)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

type signRequest struct {
	SubIntentID uint64        `json:"subIntentId"`
	Attempt     uint32        `json:"attempt"`
	Chain       string        `json:"chain"`
	Path        string        `json:"path"`
	Payload     hexutil.Bytes `json:"payload"`
}

type signResponse struct {
	BigR       string `json:"bigR"`
	S          string `json:"s"`
	RecoveryID uint8  `json:"recoveryId"`
	Error      string `json:"error,omitempty"`
}

// Sign implements settlement.Signer. Client errors from the gateway are
// permanent; transport failures and 5xx responses may be retried.
func (r *Remote) Sign(ctx context.Context, req settlement.SignRequest) (subintent.Signature, error) {
	buf, err := json.Marshal(signRequest{
		SubIntentID: req.SubIntentID,
		Attempt:     req.Attempt,
		Chain:       string(req.Chain),
		Path:        req.Path,
		Payload:     req.Payload,
	})
	if err != nil {
		return subintent.Signature{}, backoff.Permanent(err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+r.signPath, bytes.NewReader(buf))
	if err != nil {
		return subintent.Signature{}, backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return subintent.Signature{}, fmt.Errorf("signer: request: %w", err)
	}
	defer resp.Body.Close()

	var decoded signResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&decoded)
	switch {
	case resp.StatusCode >= 500:
		return subintent.Signature{}, fmt.Errorf("signer: gateway status=%d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return subintent.Signature{}, backoff.Permanent(fmt.Errorf("signer: sign rejected: status=%d %s", resp.StatusCode, decoded.Error))
	case decodeErr != nil:
		return subintent.Signature{}, backoff.Permanent(fmt.Errorf("signer: decode response: %w", decodeErr))
	}
	sig := subintent.Signature{
		BigR:       strings.TrimSpace(decoded.BigR),
		S:          strings.TrimSpace(decoded.S),
		RecoveryID: decoded.RecoveryID,
	}
	if sig.BigR == "" || sig.S == "" {
		return subintent.Signature{}, backoff.Permanent(fmt.Errorf("signer: empty signature"))
	}
	return sig, nil
}

var _ settlement.Signer = (*Remote)(nil)
