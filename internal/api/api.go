// Package api is the thin HTTP collaborator client the race engine needs
// around the socket: priming session metadata before connecting, fetching
// the initial participant snapshot, and confirming entry server-side.
// Everything else HTTP (listing, creation, auth) belongs to other layers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/itchyfingers/raceclient/internal/session"
)

// ErrNotFound means the tournament id does not exist.
var ErrNotFound = errors.New("api: tournament not found")

// ErrJoinDeadline means entry closed before we confirmed; the caller may
// fall back to spectating.
var ErrJoinDeadline = errors.New("api: join deadline has passed")

// Tournament is the race session metadata used to prime the view.
type Tournament struct {
	ID               string     `json:"id"`
	Status           string     `json:"status"`
	ScheduledFor     *time.Time `json:"scheduledFor,omitempty"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	EndedAt          *time.Time `json:"endedAt,omitempty"`
	ParticipantCount int        `json:"participantCount"`
}

// Client talks to the tournament HTTP API.
type Client struct {
	base  string
	token string
	http  *http.Client
	log   *zap.Logger
}

// New returns a client for baseURL, authenticating with token when set.
func New(baseURL, token string, log *zap.Logger) *Client {
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{Timeout: 10 * time.Second},
		log:   log,
	}
}

// Tournament fetches race session metadata.
func (c *Client) Tournament(ctx context.Context, id string) (*Tournament, error) {
	var out Tournament
	if err := c.do(ctx, http.MethodGet, "/tournaments/"+id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Participants fetches the current participant snapshot, used when joining
// a race already in progress and after reconnects.
func (c *Client) Participants(ctx context.Context, id string) ([]session.Participant, error) {
	var out []session.Participant
	if err := c.do(ctx, http.MethodGet, "/tournaments/"+id+"/participants", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Enter confirms entry server-side prior to opening the socket.
func (c *Client) Enter(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPatch, "/tournaments/"+id+"/enter", nil)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusForbidden:
		return ErrJoinDeadline
	case resp.StatusCode >= 400:
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		c.log.Warn("api request failed",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("error", body.Error))
		return fmt.Errorf("api: %s %s: status %d: %s", method, path, resp.StatusCode, body.Error)
	}

	if out == nil {
		return nil
	}
	var body struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("api: decode %s: %w", path, err)
	}
	if err := json.Unmarshal(body.Data, out); err != nil {
		return fmt.Errorf("api: decode %s: %w", path, err)
	}
	return nil
}
