package turnstile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultEndpoint = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

// Client verifies Cloudflare Turnstile tokens. A failed verification is
// not an error; only transport/decoding problems are.
type Client struct {
	secret     string
	endpoint   string
	httpClient *http.Client
}

type siteverifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

func NewClient(secret string) *Client {
	return &Client{
		secret:   strings.TrimSpace(secret),
		endpoint: defaultEndpoint,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// WithEndpoint overrides the siteverify URL, for tests.
func (c *Client) WithEndpoint(endpoint string) *Client {
	c.endpoint = endpoint
	return c
}

func (c *Client) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	form := url.Values{
		"secret":   {c.secret},
		"response": {token},
	}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("build siteverify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("call siteverify: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return false, fmt.Errorf("read siteverify response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return false, fmt.Errorf("siteverify status %d: %s", res.StatusCode, body)
	}

	var decoded siteverifyResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return false, fmt.Errorf("decode siteverify response: %w", err)
	}

	return decoded.Success, nil
}
