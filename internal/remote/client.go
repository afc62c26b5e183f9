// Package remote implements the HTTP client side of the sync protocol.
//
// Every submission carries an Idempotency-Key header. The server keeps the
// keys it has processed, so redelivering an item after a lost acknowledgement
// is answered with already_processed instead of a second side effect.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pdcretail/possync/internal/common"
	"github.com/pdcretail/possync/internal/models"
)

const idempotencyKeyHeader = "Idempotency-Key"

// Record is one reference-data record as served by the central API.
type Record struct {
	ID         string          `json:"id"`
	ModifiedAt time.Time       `json:"modified_at"`
	Payload    json.RawMessage `json:"payload"`
}

// SubmitResult is the server's verdict on a submission.
type SubmitResult struct {
	// AlreadyProcessed is true when the idempotency key was seen before.
	// The operation took effect exactly once, on the earlier delivery.
	AlreadyProcessed bool
	// ServerModifiedAt is the server-side modification time of the record
	// the operation touched.
	ServerModifiedAt time.Time
}

// LoginResult is a successful online authentication.
type LoginResult struct {
	UserID    string    `json:"user_id"`
	ConfigID  string    `json:"config_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Client is the engine's view of the central server.
type Client interface {
	// Submit delivers one queue item. A ErrConflict means the server holds
	// a newer version of the touched record; ErrServerRejected means the
	// payload is permanently unacceptable; ErrTransientNetwork means retry.
	Submit(ctx context.Context, item *models.QueueItem) (*SubmitResult, error)

	// Fetch returns the full record set of a reference collection.
	Fetch(ctx context.Context, collection string) ([]Record, error)

	// FindByOrigin returns the canonical record an operation touched.
	FindByOrigin(ctx context.Context, collection, originID string) (*Record, error)

	// Login authenticates a user against the central server.
	Login(ctx context.Context, username, password string) (*LoginResult, error)
}

type submitRequest struct {
	Operation        models.OperationType `json:"operation"`
	OriginID         string               `json:"origin_id"`
	OriginModifiedAt time.Time            `json:"origin_modified_at"`
	Payload          json.RawMessage      `json:"payload"`
}

type submitResponse struct {
	Result           string    `json:"result"`
	ServerModifiedAt time.Time `json:"server_modified_at"`
	Error            string    `json:"error,omitempty"`
}

// HTTPClient talks JSON over HTTP to the central sync API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Submit(ctx context.Context, item *models.QueueItem) (*SubmitResult, error) {
	body, err := json.Marshal(submitRequest{
		Operation:        item.Operation,
		OriginID:         item.OriginID,
		OriginModifiedAt: item.OriginModifiedAt,
		Payload:          item.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/sync", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build submission request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(idempotencyKeyHeader, item.IdempotencyKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	var out submitResponse
	if err := decode(resp, &out); err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return &SubmitResult{
			AlreadyProcessed: out.Result == "already_processed",
			ServerModifiedAt: out.ServerModifiedAt,
		}, nil
	case http.StatusConflict:
		return nil, fmt.Errorf("%w: server version from %s is newer",
			common.ErrConflict, out.ServerModifiedAt.Format(time.RFC3339))
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %s", common.ErrSessionInvalid, out.Error)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w: %s", common.ErrServerRejected, out.Error)
	default:
		return nil, fmt.Errorf("%w: unexpected status %d", common.ErrTransientNetwork, resp.StatusCode)
	}
}

func (c *HTTPClient) Fetch(ctx context.Context, collection string) ([]Record, error) {
	u := c.baseURL + "/api/v1/collections/" + url.PathEscape(collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, common.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", common.ErrTransientNetwork, resp.StatusCode)
	}

	var records []Record
	if err := decode(resp, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *HTTPClient) FindByOrigin(ctx context.Context, collection, originID string) (*Record, error) {
	u := c.baseURL + "/api/v1/collections/" + url.PathEscape(collection) + "/" + url.PathEscape(originID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build lookup request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, common.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", common.ErrTransientNetwork, resp.StatusCode)
	}

	var record Record
	if err := decode(resp, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *HTTPClient) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return nil, fmt.Errorf("failed to encode credentials: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth/login", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, common.ErrSessionInvalid
	default:
		return nil, fmt.Errorf("%w: unexpected status %d", common.ErrTransientNetwork, resp.StatusCode)
	}

	var out LoginResult
	if err := decode(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func decode(resp *http.Response, v any) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %s", common.ErrTransientNetwork, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Retryable reports whether a submission error is worth another attempt.
func Retryable(err error) bool {
	return errors.Is(err, common.ErrTransientNetwork)
}
