package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/broadline/channelsync/internal/channel"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// CredentialGrant is the upstream platform's response to a credential
// refresh: a new secret value and its expiry.
type CredentialGrant struct {
	Secret    string    `json:"secret"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PlatformClient is the upstream messaging platform surface the control
// plane depends on. Retry policy lives in the schedulers that call it, not
// here: every call is a single attempt with a fixed timeout, and any
// failure is returned for the backoff engine to count.
type PlatformClient interface {
	FetchChannelState(ctx context.Context, tenantID, credential string) (channel.ChannelSnapshot, error)
	RefreshCredential(ctx context.Context, tenantID, credential string) (CredentialGrant, error)
}

type HTTPClient struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	callTimeout time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:9090"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:     baseURL,
		token:       strings.TrimSpace(token),
		httpClient:  httpClient,
		callTimeout: 15 * time.Second,
	}
}

func (c *HTTPClient) FetchChannelState(ctx context.Context, tenantID, credential string) (channel.ChannelSnapshot, error) {
	var out channel.ChannelSnapshot
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/platform/tenants/%s/channel", url.PathEscape(tenantID)), credential, nil, &out)
	return out, err
}

func (c *HTTPClient) RefreshCredential(ctx context.Context, tenantID, credential string) (CredentialGrant, error) {
	var out CredentialGrant
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/platform/tenants/%s/credentials/refresh", url.PathEscape(tenantID)), credential, map[string]any{}, &out)
	return out, err
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath, credential string, body, out any) error {
	timeout := c.callTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if strings.TrimSpace(credential) != "" {
		req.Header.Set("X-Tenant-Credential", strings.TrimSpace(credential))
	}
	req.Header.Set("X-Correlation-Id", correlationID())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payloadBytes, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payloadBytes) == 0 {
			return nil
		}
		return json.Unmarshal(payloadBytes, out)
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payloadBytes, &errPayload)
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
}

func correlationID() string {
	return fmt.Sprintf("recon_%d", time.Now().UnixNano())
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
