// Package client provides the REST client with transparent online/offline
// branching.
//
// Reads go network-first with cache write-through and fall back to the
// response cache when the network is unavailable. Mutations attempted while
// offline, or failing in flight, land in the durable offline queue for later
// replay. Every Create carries an Idempotency-Key header set to its entity
// correlation id; the backend contract is to deduplicate creates on that
// key, so a replay that raced a crash cannot mint a duplicate record.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/olivetrack/fieldsync/internal/cache"
	"github.com/olivetrack/fieldsync/internal/connectivity"
	"github.com/olivetrack/fieldsync/internal/errors"
	"github.com/olivetrack/fieldsync/internal/events"
	"github.com/olivetrack/fieldsync/internal/models"
	"github.com/olivetrack/fieldsync/internal/queue"
	"github.com/olivetrack/fieldsync/internal/store"
)

// Result is the uniform shape every client operation returns to the UI.
type Result struct {
	Success   bool            `json:"success"`
	Online    bool            `json:"online"`
	FromCache bool            `json:"fromCache,omitempty"`
	Queued    bool            `json:"queued,omitempty"`
	Status    int             `json:"status,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Options configures a Client.
type Options struct {
	BaseURL        string
	RequestTimeout time.Duration
	Checker        connectivity.Checker
	Queue          *queue.Queue
	Cache          *cache.Cache
	Store          *store.DB
	Bus            *events.Bus
	Logger         zerolog.Logger

	// Cache ages per resource class; zero values fall back to the
	// built-in defaults (5 min lists, 30 min trees, 60 min detail).
	ListCacheAge   time.Duration
	TreesCacheAge  time.Duration
	DetailCacheAge time.Duration
}

// Client talks to the REST backend.
type Client struct {
	baseURL string
	http    *http.Client
	checker connectivity.Checker
	queue   *queue.Queue
	cache   *cache.Cache
	db      *store.DB
	bus     *events.Bus
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger

	listAge   time.Duration
	treesAge  time.Duration
	detailAge time.Duration

	tokenMu sync.RWMutex
	token   string
}

// New creates a Client. The circuit breaker opens after repeated backend
// failures so a flapping connection degrades to queue-backed offline mode
// instead of stalling every caller for the full request timeout.
func New(opts Options) *Client {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "api",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	listAge := opts.ListCacheAge
	if listAge <= 0 {
		listAge = 5 * time.Minute
	}
	treesAge := opts.TreesCacheAge
	if treesAge <= 0 {
		treesAge = 30 * time.Minute
	}
	detailAge := opts.DetailCacheAge
	if detailAge <= 0 {
		detailAge = 60 * time.Minute
	}

	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		http:      &http.Client{Timeout: timeout},
		checker:   opts.Checker,
		queue:     opts.Queue,
		cache:     opts.Cache,
		db:        opts.Store,
		bus:       opts.Bus,
		breaker:   breaker,
		log:       opts.Logger,
		listAge:   listAge,
		treesAge:  treesAge,
		detailAge: detailAge,
	}
}

// SetAuthToken installs the bearer token used on every request. An empty
// token clears it.
func (c *Client) SetAuthToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
}

// HealthURL returns the backend health endpoint, used by connectivity probes.
func (c *Client) HealthURL() string {
	return c.baseURL + "/health"
}

// Get performs a read with cache write-through. On success the response is
// cached under the endpoint's key and returned. Offline or on network
// failure it falls back to the cache with no age bound and tags the result
// FromCache so the UI can indicate staleness.
func (c *Client) Get(ctx context.Context, endpoint string) (*Result, error) {
	key := cache.Key(endpoint)

	if c.checker.Online(ctx) {
		status, body, err := c.do(ctx, http.MethodGet, endpoint, nil, "")
		if err == nil && status < 400 {
			if err := c.cache.Put(key, body); err != nil {
				c.log.Warn().Err(err).Str("endpoint", endpoint).Msg("cache write failed")
			}
			return &Result{Success: true, Online: true, Status: status, Data: body}, nil
		}
		if err == nil && status >= 400 {
			if status == http.StatusUnauthorized {
				c.publishSessionInvalid()
			}
			// Server answered: a 4xx read is an error, not a cache fallback.
			if status < 500 {
				return &Result{Success: false, Online: true, Status: status, Message: httpMessage(body)}, nil
			}
		}
	}

	payload, ok, err := c.cache.GetStale(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Result{Success: false, Online: false, Message: "offline and not cached"}, nil
	}
	return &Result{Success: true, Online: false, FromCache: true, Data: payload}, nil
}

// GetFresh is Get restricted to a max cache age for the offline path. Used
// by callers that would rather show nothing than data older than maxAge.
func (c *Client) GetFresh(ctx context.Context, endpoint string, maxAge time.Duration) (*Result, error) {
	key := cache.Key(endpoint)

	if c.checker.Online(ctx) {
		res, err := c.Get(ctx, endpoint)
		if err != nil || res.Success {
			return res, err
		}
	}

	payload, ok, err := c.cache.Get(key, maxAge)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Result{Success: false, Online: false, Message: "offline and not cached"}, nil
	}
	return &Result{Success: true, Online: false, FromCache: true, Data: payload}, nil
}

// Mutate performs a create/update/delete. Offline (or breaker open, or the
// call fails in flight) the request is queued and the result is tagged
// Queued; a queue storage failure propagates so the caller can warn the
// user.
func (c *Client) Mutate(ctx context.Context, method models.Method, endpoint, entityID string, payload json.RawMessage) (*Result, error) {
	if !c.checker.Online(ctx) {
		return c.enqueue(method, endpoint, entityID, payload)
	}

	status, body, err := c.doBreaker(ctx, method.HTTPVerb(), endpoint, payload, idempotencyKey(method, entityID))
	if err != nil {
		c.log.Warn().Err(err).Str("endpoint", endpoint).Msg("online write failed, queuing")
		return c.enqueue(method, endpoint, entityID, payload)
	}

	if status == http.StatusUnauthorized {
		c.publishSessionInvalid()
		return &Result{Success: false, Online: true, Status: status, Message: "session invalid"}, nil
	}
	if status >= 400 {
		return &Result{Success: false, Online: true, Status: status, Message: httpMessage(body)}, nil
	}

	return &Result{Success: true, Online: true, Status: status, Data: body}, nil
}

// Replay re-issues one queued request. It never re-queues: the sync engine
// owns failure handling. A 4xx answer other than 401/408/429 is permanent
// (ErrReplayRejected); everything else is transient (ErrReplayFailed).
func (c *Client) Replay(ctx context.Context, req *models.QueuedRequest) error {
	status, body, err := c.do(ctx, req.Method.HTTPVerb(), req.ResourcePath, req.Payload, idempotencyKey(req.Method, req.EntityID))
	if err != nil {
		return errors.Wrap(errors.ErrReplayFailed, "replay failed", err)
	}

	if status == http.StatusUnauthorized {
		c.publishSessionInvalid()
		return errors.New(errors.ErrSessionInvalid, "session invalid during replay")
	}
	if status >= 400 {
		if isPermanent(status) {
			return errors.New(errors.ErrReplayRejected,
				fmt.Sprintf("server rejected replay with %d: %s", status, httpMessage(body)))
		}
		return errors.New(errors.ErrReplayFailed, fmt.Sprintf("replay failed with %d", status))
	}

	c.confirmReplay(req, body)
	return nil
}

// confirmReplay runs the bookkeeping after a replayed request succeeds:
// provisional records are dropped (the server copy is now authoritative)
// and the caches covering the mutated resource are invalidated.
func (c *Client) confirmReplay(req *models.QueuedRequest, body json.RawMessage) {
	if req.Method == models.MethodCreate {
		if err := c.db.DeleteLocalEntity(req.EntityID); err != nil {
			c.log.Warn().Err(err).Str("entity_id", req.EntityID).Msg("failed to drop provisional record")
		}
	}
	c.invalidateFor(req.ResourcePath)
}

// invalidateFor drops the cache entries a mutation on path makes stale: the
// resource itself and its collection (the path minus its last segment).
func (c *Client) invalidateFor(path string) {
	keys := []string{cache.Key(path)}
	if i := strings.LastIndex(path, "/"); i > 0 {
		keys = append(keys, cache.Key(path[:i]))
	}
	for _, k := range keys {
		if err := c.cache.Invalidate(k); err != nil {
			c.log.Warn().Err(err).Str("key", k).Msg("cache invalidation failed")
		}
	}
}

func (c *Client) enqueue(method models.Method, endpoint, entityID string, payload json.RawMessage) (*Result, error) {
	if _, err := c.queue.Enqueue(entityID, method, endpoint, payload); err != nil {
		return nil, err
	}
	return &Result{
		Success: true,
		Online:  false,
		Queued:  true,
		Message: "request queued for sync",
	}, nil
}

// doBreaker wraps do in the circuit breaker. An open breaker fails
// immediately, which the caller treats like any other transport failure.
func (c *Client) doBreaker(ctx context.Context, verb, endpoint string, payload json.RawMessage, idemKey string) (int, json.RawMessage, error) {
	type reply struct {
		status int
		body   json.RawMessage
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		status, body, err := c.do(ctx, verb, endpoint, payload, idemKey)
		if err != nil {
			return nil, err
		}
		if status >= 500 {
			return reply{status, body}, fmt.Errorf("server error %d", status)
		}
		return reply{status, body}, nil
	})
	if err != nil {
		if r, ok := out.(reply); ok {
			return r.status, r.body, nil
		}
		return 0, nil, err
	}

	r := out.(reply)
	return r.status, r.body, nil
}

// do performs one HTTP exchange and reads the full body.
func (c *Client) do(ctx context.Context, verb, endpoint string, payload json.RawMessage, idemKey string) (int, json.RawMessage, error) {
	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, verb, c.baseURL+endpoint, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	c.tokenMu.RLock()
	token := c.token
	c.tokenMu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}

	return resp.StatusCode, json.RawMessage(data), nil
}

func (c *Client) publishSessionInvalid() {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.TopicSession, map[string]interface{}{
		"reason": "unauthorized",
	})
}

// isPermanent classifies a replay rejection: client errors are permanent
// except the retryable trio.
func isPermanent(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusConflict:
		return false
	}
	return status >= 400 && status < 500
}

// idempotencyKey returns the dedup key sent with creates; other methods are
// naturally idempotent against the same resource path.
func idempotencyKey(method models.Method, entityID string) string {
	if method == models.MethodCreate {
		return entityID
	}
	return ""
}

func httpMessage(body json.RawMessage) string {
	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		return parsed.Message
	}
	return "api error"
}
