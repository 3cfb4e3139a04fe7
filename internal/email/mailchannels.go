package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultEndpoint = "https://api.mailchannels.net/tx/v1/send"

// Client sends transactional mail through the MailChannels send API.
type Client struct {
	fromEmail  string
	fromName   string
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

type address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type personalization struct {
	To []address `json:"to"`
}

type content struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendRequest struct {
	Personalizations []personalization `json:"personalizations"`
	From             address           `json:"from"`
	Subject          string            `json:"subject"`
	Content          []content         `json:"content"`
}

func NewClient(fromEmail, fromName, apiKey string) *Client {
	return &Client{
		fromEmail: strings.TrimSpace(fromEmail),
		fromName:  strings.TrimSpace(fromName),
		apiKey:    strings.TrimSpace(apiKey),
		endpoint:  defaultEndpoint,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// WithEndpoint overrides the send URL, for tests.
func (c *Client) WithEndpoint(endpoint string) *Client {
	c.endpoint = endpoint
	return c
}

func (c *Client) Send(ctx context.Context, to, subject, html string) error {
	payload := sendRequest{
		Personalizations: []personalization{{To: []address{{Email: to}}}},
		From:             address{Email: c.fromEmail, Name: c.fromName},
		Subject:          subject,
		Content:          []content{{Type: "text/html", Value: html}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode mail payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build mail request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call mail api: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return fmt.Errorf("mail api status %d: %s", res.StatusCode, detail)
	}

	return nil
}
