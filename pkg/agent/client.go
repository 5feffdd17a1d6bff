// Package agent implements the worker side of the coordination protocol:
// an HTTP client for the API plus a polling run loop that leases items,
// keeps them alive, and reports results.
package agent

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gregpriday/go-work-manager/pkg/models"
)

// ErrNoWork indicates the queue had nothing for this holder
var ErrNoWork = errors.New("no work available")

// APIError is a structured error response from the server
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Code, e.Message)
}

// Client talks to the work manager API on behalf of one holder
type Client struct {
	baseURL    string
	holderID   string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the given holder. token may be empty when
// the server runs without authentication.
func NewClient(baseURL, holderID, token string) *Client {
	return &Client{
		baseURL:  baseURL,
		holderID: holderID,
		token:    token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithTLS configures the client transport for a TLS endpoint
func (c *Client) WithTLS(cfg *tls.Config) *Client {
	c.httpClient.Transport = &http.Transport{TLSClientConfig: cfg}
	return c
}

// HolderID returns the identity this client acts as
func (c *Client) HolderID() string { return c.holderID }

// Checkout leases the next available item. orderID narrows the claim to one
// order when non-empty.
func (c *Client) Checkout(orderID string, ttl time.Duration) (*models.Item, error) {
	var item models.Item
	err := c.post("/api/v1/items/checkout", map[string]interface{}{
		"order_id":    orderID,
		"holder":      c.holderID,
		"ttl_seconds": int(ttl.Seconds()),
	}, "", &item)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == "no_items_available" {
		return nil, ErrNoWork
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Heartbeat extends the lease and reports host utilization
func (c *Client) Heartbeat(itemID string, ttl time.Duration) (*models.Item, error) {
	var item models.Item
	err := c.post(fmt.Sprintf("/api/v1/items/%s/heartbeat", itemID), map[string]interface{}{
		"holder":      c.holderID,
		"ttl_seconds": int(ttl.Seconds()),
		"stats":       hostStats(),
	}, "", &item)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Submit stores the complete result for a held item
func (c *Client) Submit(itemID string, result map[string]interface{}, idempotencyKey string) (*models.Item, error) {
	var item models.Item
	err := c.post(fmt.Sprintf("/api/v1/items/%s/submit", itemID), map[string]interface{}{
		"holder": c.holderID,
		"result": result,
	}, idempotencyKey, &item)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// SubmitPart uploads one incremental result fragment
func (c *Client) SubmitPart(itemID, partKey string, payload, evidence map[string]interface{}, idempotencyKey string) (*models.Part, error) {
	var part models.Part
	err := c.post(fmt.Sprintf("/api/v1/items/%s/parts", itemID), map[string]interface{}{
		"holder":   c.holderID,
		"part_key": partKey,
		"payload":  payload,
		"evidence": evidence,
	}, idempotencyKey, &part)
	if err != nil {
		return nil, err
	}
	return &part, nil
}

// Finalize assembles the uploaded parts into the item's result
func (c *Client) Finalize(itemID, mode, idempotencyKey string) (*models.Item, error) {
	var item models.Item
	err := c.post(fmt.Sprintf("/api/v1/items/%s/finalize", itemID), map[string]interface{}{
		"holder": c.holderID,
		"mode":   mode,
	}, idempotencyKey, &item)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Fail reports a failure on a held item
func (c *Client) Fail(itemID string, itemErr models.ItemError) (*models.Item, error) {
	var item models.Item
	err := c.post(fmt.Sprintf("/api/v1/items/%s/fail", itemID), map[string]interface{}{
		"holder": c.holderID,
		"error":  itemErr,
	}, "", &item)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Release hands a held item back to the queue
func (c *Client) Release(itemID string) (*models.Item, error) {
	var item models.Item
	err := c.post(fmt.Sprintf("/api/v1/items/%s/release", itemID), map[string]interface{}{
		"holder": c.holderID,
	}, "", &item)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// GetItem fetches an item's current state
func (c *Client) GetItem(itemID string) (*models.Item, error) {
	var item models.Item
	if err := c.get("/api/v1/items/"+itemID, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (c *Client) post(path string, body interface{}, idempotencyKey string, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequest("POST", c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

func (c *Client) get(path string, out interface{}) error {
	req, err := http.NewRequest("GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("X-Holder-ID", c.holderID)
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func decodeResponse(resp *http.Response, out interface{}) error {
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		body, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Code == "" {
			apiErr.Message = string(bytes.TrimSpace(body))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
