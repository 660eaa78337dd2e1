package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"timebank/internal/models"

	"github.com/redis/go-redis/v9"
)

// Client calls the timebank HTTP API on behalf of one acting user.
type Client struct {
	baseURL    string
	apiKey     string
	userID     string
	httpClient *http.Client

	redis    *redis.Client
	cacheTTL time.Duration
}

// TransitionResult mirrors the body returned by booking transitions.
type TransitionResult struct {
	Booking  *models.Booking  `json:"booking"`
	Balances map[string]int64 `json:"balances"`
}

// ReconcileReport mirrors GET /api/v1/ledger/reconcile.
type ReconcileReport struct {
	Mismatches []models.Reconciliation `json:"mismatches"`
	Totals     models.LedgerTotals     `json:"totals"`
	Conserved  bool                    `json:"conserved"`
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s: %s", e.Status, e.Code, e.Message)
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// As returns a copy of the client acting as userID.
func (c *Client) As(userID string) *Client {
	cp := *c
	cp.userID = userID
	return &cp
}

// UseRedisCache caches slot listings for ttl.
func (c *Client) UseRedisCache(redisClient *redis.Client, ttl time.Duration) {
	c.redis = redisClient
	c.cacheTTL = ttl
}

func (c *Client) Balance(ctx context.Context, userID string) (int64, error) {
	var out struct {
		Balance int64 `json:"balance"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/users/"+url.PathEscape(userID)+"/balance", nil, &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

// AvailableSlots lists bookable slots, optionally for one mentor.
func (c *Client) AvailableSlots(ctx context.Context, mentorID string) ([]models.Slot, error) {
	q := url.Values{"status": {string(models.SlotAvailable)}}
	if mentorID != "" {
		q.Set("mentor_id", mentorID)
	}
	path := "/api/v1/slots?" + q.Encode()
	cacheKey := "slots:" + q.Encode()

	var wrap struct {
		Slots []models.Slot `json:"slots"`
	}
	if c.readCache(ctx, cacheKey, &wrap) {
		return wrap.Slots, nil
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &wrap); err != nil {
		return nil, err
	}
	c.writeCache(ctx, cacheKey, wrap)
	return wrap.Slots, nil
}

func (c *Client) RequestBooking(ctx context.Context, slotID string) (*TransitionResult, error) {
	var out TransitionResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/slots/"+url.PathEscape(slotID)+"/bookings", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Transition runs action (confirm, decline, cancel, complete or no-show)
// on a booking.
func (c *Client) Transition(ctx context.Context, bookingID, action, reason string) (*TransitionResult, error) {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	var out TransitionResult
	path := "/api/v1/bookings/" + url.PathEscape(bookingID) + "/" + action
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	var out ReconcileReport
	if err := c.do(ctx, http.MethodGet, "/api/v1/ledger/reconcile", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) readCache(ctx context.Context, key string, out any) bool {
	if c.redis == nil || c.cacheTTL <= 0 {
		return false
	}
	val, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		return false
	}
	return json.Unmarshal([]byte(val), out) == nil
}

func (c *Client) writeCache(ctx context.Context, key string, val any) {
	if c.redis == nil || c.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.cacheTTL).Err()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	var (
		req *http.Request
		err error
	)
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, http.NoBody)
	}
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	if c.userID != "" {
		req.Header.Set("x-user-id", c.userID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
