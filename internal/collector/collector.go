// Package collector implements the client half of the heartbeat contract
// (C17): posting a HeartbeatRequest to a collector endpoint and decoding its
// HeartbeatResponse, with optional bearer-token authentication.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HeartbeatRequest is the wire shape posted to reporter.endpoint_url.
type HeartbeatRequest struct {
	AttendanceID           string   `json:"attendanceId"`
	SessionID               string   `json:"sessionId"`
	Latitude                float64  `json:"latitude"`
	Longitude               float64  `json:"longitude"`
	Accuracy                float64  `json:"accuracy"`
	TimestampMs             int64    `json:"timestamp"`
	IsBackground            bool     `json:"isBackground"`
	Source                  string   `json:"source"` // "foreground" | "background"
	TrackingMode            string   `json:"trackingMode"`
	Environment             string   `json:"environment"`
	Confidence              float64  `json:"confidence"`
	GPSWeight               float64  `json:"gpsWeight"`
	PDRWeight               float64  `json:"pdrWeight"`
	GPSAnomalyCount         uint32   `json:"gpsAnomalyCount"`
	LastGPSAnomalyDistanceM *float64 `json:"lastGpsAnomalyDistance"`
}

// HeartbeatResponse is the collector's decoded reply.
type HeartbeatResponse struct {
	Success       bool     `json:"success"`
	LocationValid bool     `json:"locationValid"`
	Distance      *float64 `json:"distance"`
	AllowedRadius *float64 `json:"allowedRadius"`
	SessionEnded  bool     `json:"sessionEnded"`
	StatusChanged bool     `json:"statusChanged"`
	NewStatus     *string  `json:"newStatus"`
	Message       *string  `json:"message"`
	Error         *string  `json:"error"`
	LowAccuracy   *bool    `json:"lowAccuracy"`
	Accuracy      *float64 `json:"accuracy"`
}

// Client posts heartbeats to a single collector endpoint.
type Client struct {
	endpointURL string
	bearerToken string
	httpClient  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBearerToken attaches an Authorization: Bearer <token> header to every
// request.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.bearerToken = token }
}

// WithHTTPClient overrides the default http.Client (e.g. for custom
// timeouts or transports in tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient builds a Client posting to endpointURL.
func NewClient(endpointURL string, opts ...Option) *Client {
	c := &Client{
		endpointURL: endpointURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PostHeartbeat sends req to the collector and returns its decoded response.
func (c *Client) PostHeartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error) {
	var resp HeartbeatResponse

	body, err := json.Marshal(req)
	if err != nil {
		return resp, fmt.Errorf("marshal heartbeat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL, bytes.NewReader(body))
	if err != nil {
		return resp, fmt.Errorf("build heartbeat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.bearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return resp, fmt.Errorf("post heartbeat: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return resp, fmt.Errorf("collector returned status %d", httpResp.StatusCode)
	}

	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return resp, fmt.Errorf("decode heartbeat response: %w", err)
	}
	return resp, nil
}
