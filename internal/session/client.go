package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client resolves sessions over HTTP from the program service.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Stub    bool
}

// NewClient creates a client with a short timeout. With stub enabled the
// client returns a fixed in-person session for any id, for local dev without
// a running program service.
func NewClient(baseURL string, stub bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Stub:    stub,
		HTTP: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Lookup fetches a session from GET /v1/sessions/{id}.
func (c *Client) Lookup(ctx context.Context, id string) (Session, error) {
	if c.Stub {
		return Session{
			ID:            id,
			ProgramID:     "program-stub",
			FacilitatorID: "facilitator-stub",
			SessionType:   TypeInPerson,
			Location:      &Location{Lat: -1.9546, Lng: 30.0928, RadiusMeters: 100},
			ScheduledAt:   time.Now().UTC(),
		}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/sessions/"+id, nil)
	if err != nil {
		return Session{}, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Session{}, fmt.Errorf("program service: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Session{}, ErrNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Session{}, fmt.Errorf("program service: status %d: %s", resp.StatusCode, body)
	}

	var sess Session
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return Session{}, fmt.Errorf("program service: decode: %w", err)
	}
	return sess, nil
}

// Health pings the program service.
func (c *Client) Health(ctx context.Context) error {
	if c.Stub {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("program service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
