package httpsigner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/satsvault/custodiad/internal/core/ports"
)

const signEndpoint = "/v1/sign"

type signRequest struct {
	Tx string `json:"tx"`
}

type signResponse struct {
	Tx string `json:"tx"`
}

type service struct {
	signURL    string
	httpClient *http.Client
}

// NewExternalSigner returns a signer backed by a remote signing daemon. The
// daemon holds the private keys, this process never sees them.
func NewExternalSigner(signerURL string) (ports.ExternalSigner, error) {
	if len(signerURL) == 0 {
		return nil, fmt.Errorf("signer URL is required")
	}

	signURL, err := url.JoinPath(signerURL, signEndpoint)
	if err != nil {
		return nil, err
	}

	return &service{
		signURL: signURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}, nil
}

func (s *service) SignTransaction(ctx context.Context, txHex string) (string, error) {
	payload, err := json.Marshal(signRequest{Tx: txHex})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.signURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach signer: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("signer returned status %d: %s", resp.StatusCode, string(body))
	}

	var signed signResponse
	if err := json.Unmarshal(body, &signed); err != nil {
		return "", fmt.Errorf("invalid signer response: %w", err)
	}
	if len(signed.Tx) == 0 {
		return "", fmt.Errorf("signer returned an empty transaction")
	}
	return signed.Tx, nil
}
