// Package controlclient provides an HTTP client for the controller API.
package controlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/icunnyngham/sherpa/internal/domain"
)

// Client is an HTTP client for the controller API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new controller client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response from the controller.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("controller returned status %d: %s", e.StatusCode, e.Message)
}

// EnqueueTrial calls POST /v1/trials.
func (c *Client) EnqueueTrial(ctx context.Context, trialID domain.TrialID, params domain.Parameters) error {
	req := domain.EnqueueTrialRequest{TrialID: trialID, Parameters: params}
	return c.do(ctx, http.MethodPost, "/v1/trials", req, nil)
}

// ListTrials calls GET /v1/trials.
func (c *Client) ListTrials(ctx context.Context) ([]domain.TrialRequest, error) {
	var resp domain.TrialsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/trials", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Trials, nil
}

// StopTrial calls POST /v1/trials/:trial_id/stop.
func (c *Client) StopTrial(ctx context.Context, trialID domain.TrialID) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/trials/%d/stop", trialID), nil, nil)
}

// DrainResults calls POST /v1/results/drain.
func (c *Client) DrainResults(ctx context.Context) ([]domain.ResultRecord, error) {
	var resp domain.ResultsResponse
	if err := c.do(ctx, http.MethodPost, "/v1/results/drain", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// ListResults calls GET /v1/results. A zero trialID lists every trial.
func (c *Client) ListResults(ctx context.Context, trialID domain.TrialID) ([]domain.ResultRecord, error) {
	path := "/v1/results"
	if trialID != 0 {
		path += "?trial_id=" + strconv.FormatInt(int64(trialID), 10)
	}
	var resp domain.ResultsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Health calls GET /health. An unhealthy controller is returned with a nil
// error so callers can print the reason.
func (c *Client) Health(ctx context.Context) (*domain.HealthResponse, error) {
	var resp domain.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
		return &domain.HealthResponse{Status: "unhealthy", Error: apiErr.Message}, nil
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Watch streams result events until ctx is done or the connection drops.
// A zero trialID watches every trial.
func (c *Client) Watch(ctx context.Context, trialID domain.TrialID, fn func(domain.ResultEvent)) error {
	u, err := url.Parse(c.baseURL + "/v1/results/stream")
	if err != nil {
		return fmt.Errorf("invalid controller url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if trialID != 0 {
		u.RawQuery = "trial_id=" + strconv.FormatInt(int64(trialID), 10)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var ev domain.ResultEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if ev.Type == domain.ResultEventType {
			fn(ev)
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to call controller: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		var errResp domain.ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
