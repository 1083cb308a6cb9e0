package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HTTPClient talks JSON to the backend API. Each request carries a short
// lived device token so the server can attribute writes to the device and
// user that produced them.
type HTTPClient struct {
	baseURL    string
	secret     string
	instanceID string
	deviceID   string
	userID     string
	http       *http.Client
}

// HTTPClientConfig configures an HTTPClient.
type HTTPClientConfig struct {
	BaseURL    string
	Secret     string
	InstanceID string
	DeviceID   string
	UserID     string
	Timeout    time.Duration
}

// NewHTTPClient creates an HTTP remote client.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:    cfg.BaseURL,
		secret:     cfg.Secret,
		instanceID: cfg.InstanceID,
		deviceID:   cfg.DeviceID,
		userID:     cfg.UserID,
		http:       &http.Client{Timeout: timeout},
	}
}

// deviceToken mints the per-request JWT carried in the Authorization header.
func (c *HTTPClient) deviceToken() (string, error) {
	claims := jwt.MapClaims{
		"instance": c.instanceID,
		"device":   c.deviceID,
		"user":     c.userID,
		"type":     "device_sync",
		"exp":      time.Now().Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(c.secret))
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	token, err := c.deviceToken()
	if err != nil {
		return nil, fmt.Errorf("failed to mint device token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Instance-ID", c.instanceID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Fetch implements Client.
func (c *HTTPClient) Fetch(ctx context.Context, collection string, query map[string]string) ([]Record, error) {
	q := url.Values{}
	for k, v := range query {
		q.Set(k, v)
	}
	path := "/api/records/" + url.PathEscape(collection)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, classifyResponse(resp)
	}

	var out struct {
		Records []Record `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Error{Kind: KindTransient, Message: fmt.Sprintf("failed to decode fetch response: %v", err)}
	}
	return out.Records, nil
}

// Apply implements Client.
func (c *HTTPClient) Apply(ctx context.Context, op Operation) (*Record, error) {
	payload, err := json.Marshal(op)
	if err != nil {
		return nil, &Error{Kind: KindPermanent, Message: fmt.Sprintf("failed to marshal operation: %v", err)}
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/sync/apply", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, classifyResponse(resp)
	}

	// Deletes return no body.
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	var rec Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, &Error{Kind: KindTransient, Message: fmt.Sprintf("failed to decode apply response: %v", err)}
	}
	return &rec, nil
}

// classifyResponse maps an HTTP error response onto the taxonomy: 409 is a
// conflict, 408/429 and every 5xx are transient, the remaining 4xx are
// permanent rejections.
func classifyResponse(resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	kind := KindPermanent
	switch {
	case resp.StatusCode == http.StatusConflict:
		kind = KindConflict
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		kind = KindTransient
	}
	return &Error{Kind: kind, StatusCode: resp.StatusCode, Message: string(body)}
}
