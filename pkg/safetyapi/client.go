// Package safetyapi is the HTTP client for the tourist-safety backend: the
// SOS alert endpoint, the zones endpoint, and the health probe used as the
// connectivity signal.
package safetyapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/guardtrail/sentinel/internal/geofence"
	"github.com/guardtrail/sentinel/internal/resilience"
)

// DefaultTimeout bounds every request. A call that never resolves must not
// wedge the dispatcher or the queue.
const DefaultTimeout = 10 * time.Second

// Client talks to the safety backend.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the given base URL. timeout <= 0 selects
// DefaultTimeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// SOSRequest is the wire shape of POST /alerts/sos.
type SOSRequest struct {
	AlertID   string    `json:"alertId"`
	SubjectID string    `json:"subjectId"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

type sosResponse struct {
	Status string `json:"status"`
}

// PostSOS delivers one SOS alert. Server-side and transport failures are
// wrapped as transient so callers can tell them from permanent rejections.
func (c *Client) PostSOS(ctx context.Context, req SOSRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return eris.Wrap(err, "safetyapi: marshal sos")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/alerts/sos", bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "safetyapi: build sos request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "safetyapi: post sos"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := eris.Errorf("safetyapi: post sos returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}

	var body sosResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return eris.Wrap(err, "safetyapi: decode sos response")
	}
	if body.Status != "success" {
		return resilience.NewTransientError(
			eris.Errorf("safetyapi: backend rejected sos with status %q", body.Status), 0)
	}
	return nil
}

// GetZones fetches the current zone set.
func (c *Client) GetZones(ctx context.Context) ([]geofence.Zone, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/zones", nil)
	if err != nil {
		return nil, eris.Wrap(err, "safetyapi: build zones request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "safetyapi: get zones"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("safetyapi: get zones returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "safetyapi: read zones body")
	}
	return geofence.ParseZones(data)
}

// Health probes the backend. A nil return is the "online" connectivity
// signal for the drain loop.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return eris.Wrap(err, "safetyapi: build health request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "safetyapi: health probe")
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("safetyapi: health probe returned status %d", resp.StatusCode)
	}
	return nil
}
