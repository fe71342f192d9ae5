package meta

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

// APIError is the error object returned by the Graph APIs.
type APIError struct {
	StatusCode  int    `json:"-"`
	Message     string `json:"message"`
	Type        string `json:"type"`
	Code        int    `json:"code"`
	Subcode     int    `json:"error_subcode"`
	UserTitle   string `json:"error_user_title"`
	UserMessage string `json:"error_user_msg"`
	IsTransient bool   `json:"is_transient"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if e.UserTitle != "" {
		msg = e.UserTitle + ": " + msg
	}
	return fmt.Sprintf("graph api error (http %d, code %d, subcode %d): %s", e.StatusCode, e.Code, e.Subcode, msg)
}

// Retryable reports whether the same request may succeed later.
func (e *APIError) Retryable() bool {
	if e.IsTransient || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 {
		return true
	}
	switch e.Code {
	case 1, 2, 4, 17, 32, 341, 613: // unknown, service, throttling
		return true
	}
	return false
}

type errorEnvelope struct {
	Error *APIError `json:"error"`
}

// GraphClient performs bearer-authenticated calls against a Graph API base URL.
type GraphClient struct {
	baseURL string
	client  *http.Client
}

func NewGraphClient(baseURL string, timeout time.Duration) *GraphClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GraphClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Post sends form as application/x-www-form-urlencoded and decodes the JSON response into out.
func (c *GraphClient) Post(ctx context.Context, token, path string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path, nil), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, token, out)
}

func (c *GraphClient) Get(ctx context.Context, token, path string, query url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, query), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	return c.do(req, token, out)
}

func (c *GraphClient) endpoint(path string, query url.Values) string {
	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *GraphClient) do(req *http.Request, token string, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		envelope.Error.StatusCode = resp.StatusCode
		return envelope.Error
	}
	if resp.StatusCode >= 400 {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
