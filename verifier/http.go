package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	integrity "github.com/kacy/integrity-flow"
)

// HTTPConfig holds configuration for the HTTP verifier client.
type HTTPConfig struct {
	// BaseURL is the address of the verification server (required).
	BaseURL string

	// HTTPClient is optional (default: 30 second timeout).
	HTTPClient *http.Client
}

// HTTPClient forwards tokens to a verification server.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

var _ integrity.Verifier = (*HTTPClient)(nil)

// NewHTTPClient creates a new HTTP verifier client.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("verifier base URL is required")
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
	}, nil
}

// DecryptAndVerify posts tok to the server's decrypt endpoint.
func (c *HTTPClient) DecryptAndVerify(ctx context.Context, tok string) (*integrity.Verdict, error) {
	body, err := json.Marshal(DecryptRequest{Token: tok})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+decryptPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp ErrorResponse
		msg := resp.Status
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxRequestBytes)).Decode(&errResp); err == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		if resp.StatusCode == http.StatusBadRequest {
			return nil, fmt.Errorf("%w: server: %s", ErrInvalidToken, msg)
		}
		return nil, fmt.Errorf("%w: server returned %d: %s", ErrVerificationFailed, resp.StatusCode, msg)
	}

	var verdict integrity.Verdict
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return nil, fmt.Errorf("%w: invalid response: %v", ErrVerificationFailed, err)
	}
	return &verdict, nil
}
