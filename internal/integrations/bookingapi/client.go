// Package bookingapi talks to the booking backend that owns shipment
// statuses.
package bookingapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/pkg/errors"
)

var ErrRateLimited = errors.New("booking api rate limit (429)")

type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:5000"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type booking struct {
	ID            string    `json:"_id"`
	Status        string    `json:"status"`
	AgentName     string    `json:"agentName"`
	FailureReason string    `json:"failureReason,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (b booking) toShipment() *models.Shipment {
	sh := &models.Shipment{
		ID:        models.ShipmentID(b.ID),
		Status:    b.Status,
		AgentName: b.AgentName,
		UpdatedAt: b.UpdatedAt,
	}
	if b.FailureReason != "" {
		r := b.FailureReason
		sh.FailureReason = &r
	}
	return sh
}

type statusPatch struct {
	Status    string `json:"status"`
	AgentName string `json:"agentName,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (c *Client) GetShipment(ctx context.Context, id models.ShipmentID) (*models.Shipment, error) {
	var b booking
	if err := c.do(ctx, http.MethodGet, "/api/bookings/"+url.PathEscape(string(id)), nil, nil, &b); err != nil {
		return nil, err
	}
	if b.ID == "" {
		b.ID = string(id)
	}
	return b.toShipment(), nil
}

func (c *Client) UpdateStatus(ctx context.Context, id models.ShipmentID, status, agentName, reason string) (*models.Shipment, error) {
	var b booking
	body := statusPatch{Status: status, AgentName: agentName, Reason: reason}
	if err := c.do(ctx, http.MethodPatch, "/api/bookings/"+url.PathEscape(string(id))+"/status", nil, body, &b); err != nil {
		return nil, err
	}
	if b.ID == "" {
		b.ID = string(id)
	}
	return b.toShipment(), nil
}

func (c *Client) ListInTransit(ctx context.Context, agentName string) ([]*models.Shipment, error) {
	q := url.Values{}
	q.Set("status", models.ShipmentStatusInTransit)
	if agentName != "" {
		q.Set("agent", agentName)
	}
	var list []booking
	if err := c.do(ctx, http.MethodGet, "/api/bookings", q, nil, &list); err != nil {
		return nil, err
	}
	out := make([]*models.Shipment, 0, len(list))
	for _, b := range list {
		out = append(out, b.toShipment())
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return errors.Wrap(err, "parse base url")
	}
	u.Path = path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var body *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "marshal body")
		}
		body = bytes.NewReader(b)
	}

	var req *http.Request
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, u.String(), body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, u.String(), nil)
	}
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.Wrapf(models.ErrShipmentNotFound, "%s %s", method, path)
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode/100 != 2:
		return fmt.Errorf("booking api http %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode")
	}
	return nil
}
