package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// answerPollWait is the long-poll duration requested per answer poll.
	answerPollWait = 25 * time.Second

	maxResponseSize = 1 << 20
)

// Client talks to a registry over HTTP. Errors returned by the registry are
// mapped back to this package's sentinels.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: answerPollWait + 15*time.Second},
	}
}

// SetHTTPClient replaces the underlying HTTP client.
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.http = hc
}

// Register uploads ticket as raw bytes.
func (c *Client) Register(ctx context.Context, ticket []byte) (RegisterResponse, error) {
	var resp RegisterResponse
	err := c.do(ctx, http.MethodPost, "/register", "", bytes.NewReader(ticket), &resp)
	if err != nil {
		return RegisterResponse{}, err
	}
	return resp, nil
}

// Resolve fetches the ticket registered under code. Word forms are accepted.
func (c *Client) Resolve(ctx context.Context, code string) ([]byte, error) {
	var resp ResolveResponse
	if err := c.do(ctx, http.MethodGet, "/resolve/"+url.PathEscape(code), "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Ticket, nil
}

// PostAnswer hands the receiver's answer to the sender through the registry.
func (c *Client) PostAnswer(ctx context.Context, code string, answer []byte) error {
	return c.do(ctx, http.MethodPost, "/answer/"+url.PathEscape(code), "", bytes.NewReader(answer), nil)
}

// AwaitAnswer long-polls until the answer for code is posted or ctx is done.
func (c *Client) AwaitAnswer(ctx context.Context, code, ownerToken string) ([]byte, error) {
	path := "/answer/" + url.PathEscape(code) + "?wait=" + answerPollWait.String()
	for {
		var resp AnswerResponse
		err := c.do(ctx, http.MethodGet, path, ownerToken, nil, &resp)
		switch {
		case errors.Is(err, ErrAnswerPending):
			continue
		case err != nil:
			return nil, err
		default:
			return resp.Answer, nil
		}
	}
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", "", nil, &resp); err != nil {
		return HealthResponse{}, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("http.NewRequest: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNoContent:
		if method == http.MethodGet {
			return ErrAnswerPending
		}
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	default:
		return errorFromResponse(resp.StatusCode, data)
	}
}

func errorFromResponse(status int, body []byte) error {
	var e ErrorResponse
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}

	var sentinel error
	switch status {
	case http.StatusBadRequest:
		sentinel = ErrInvalidCode
		if msg == ErrEmptyTicket.Error() {
			sentinel = ErrEmptyTicket
		}
	case http.StatusNotFound:
		sentinel = ErrNotFound
	case http.StatusRequestEntityTooLarge:
		sentinel = ErrPayloadTooLarge
	case http.StatusTooManyRequests:
		sentinel = ErrRateLimited
	case http.StatusServiceUnavailable:
		sentinel = ErrCodeSpaceExhausted
	case http.StatusConflict:
		sentinel = ErrAnswerExists
	default:
		return fmt.Errorf("registry returned %d: %s", status, msg)
	}

	if msg == sentinel.Error() {
		return sentinel
	}
	return fmt.Errorf("%s: %w", msg, sentinel)
}
