package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// KeyFetcher retrieves one public verification key by key id.
type KeyFetcher interface {
	FetchKey(ctx context.Context, kid string) (jose.JSONWebKey, error)
}

// ErrKeyFetchLimited is returned when a key is not cached and the outbound
// fetch budget is spent.
var ErrKeyFetchLimited = errors.New("webhook: key fetch rate limited")

const (
	defaultMissTTL      = 5 * time.Minute
	defaultFetchTimeout = 10 * time.Second
	defaultFetchBurst   = 5
)

type cachedKey struct {
	key       jose.JSONWebKey
	fetchedAt time.Time
}

// KeyCache holds fetched keys for ttl. Concurrent misses for the same key id
// share one fetch. Key ids the provider does not know are remembered for
// missTTL, and outbound fetches are bounded by a token bucket so unsigned
// traffic carrying random key ids cannot drive provider calls.
type KeyCache struct {
	fetcher      KeyFetcher
	ttl          time.Duration
	missTTL      time.Duration
	fetchTimeout time.Duration
	limiter      *rate.Limiter
	now          func() time.Time

	mu     sync.RWMutex
	keys   map[string]cachedKey
	misses map[string]time.Time
	group  singleflight.Group
}

// NewKeyCache creates a cache in front of fetcher. ttl <= 0 means 24h.
func NewKeyCache(fetcher KeyFetcher, ttl time.Duration) *KeyCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &KeyCache{
		fetcher:      fetcher,
		ttl:          ttl,
		missTTL:      defaultMissTTL,
		fetchTimeout: defaultFetchTimeout,
		limiter:      rate.NewLimiter(rate.Every(time.Second), defaultFetchBurst),
		now:          time.Now,
		keys:         make(map[string]cachedKey),
		misses:       make(map[string]time.Time),
	}
}

// Get returns the key for kid, fetching it when absent or stale. A stale key
// is served when its refresh fails.
func (c *KeyCache) Get(ctx context.Context, kid string) (jose.JSONWebKey, error) {
	now := c.now()
	c.mu.RLock()
	entry, ok := c.keys[kid]
	missAt, missed := c.misses[kid]
	c.mu.RUnlock()
	if ok && now.Sub(entry.fetchedAt) < c.ttl {
		return entry.key, nil
	}
	if missed && now.Sub(missAt) < c.missTTL {
		return jose.JSONWebKey{}, fmt.Errorf("webhook: key %q unknown", kid)
	}

	v, err, _ := c.group.Do(kid, func() (any, error) {
		if !c.limiter.Allow() {
			return nil, ErrKeyFetchLimited
		}
		// The flight is shared; one caller going away must not fail the rest.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		key, err := c.fetcher.FetchKey(fctx, kid)
		if err == nil && (!key.Valid() || !key.IsPublic()) {
			err = fmt.Errorf("webhook: key %q is not a valid public key", kid)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			if _, known := c.keys[kid]; !known {
				c.misses[kid] = c.now()
			}
			return nil, err
		}
		delete(c.misses, kid)
		c.keys[kid] = cachedKey{key: key, fetchedAt: c.now()}
		return key, nil
	})
	if err != nil {
		if ok {
			return entry.key, nil
		}
		return jose.JSONWebKey{}, err
	}
	return v.(jose.JSONWebKey), nil
}

// Len returns the number of cached keys.
func (c *KeyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}

// PlaidKeyFetcher calls /webhook_verification_key/get.
type PlaidKeyFetcher struct {
	BaseURL  string
	ClientID string
	Secret   string
	Client   *http.Client
}

func (f PlaidKeyFetcher) FetchKey(ctx context.Context, kid string) (jose.JSONWebKey, error) {
	body, err := json.Marshal(map[string]string{
		"client_id": f.ClientID,
		"secret":    f.Secret,
		"key_id":    kid,
	})
	if err != nil {
		return jose.JSONWebKey{}, fmt.Errorf("webhook: fetch key: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(f.BaseURL, "/")+"/webhook_verification_key/get", bytes.NewReader(body))
	if err != nil {
		return jose.JSONWebKey{}, fmt.Errorf("webhook: fetch key: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return jose.JSONWebKey{}, fmt.Errorf("webhook: fetch key: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return jose.JSONWebKey{}, fmt.Errorf("webhook: fetch key %q: status %d", kid, resp.StatusCode)
	}
	var out struct {
		Key jose.JSONWebKey `json:"key"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return jose.JSONWebKey{}, fmt.Errorf("webhook: decode key %q: %w", kid, err)
	}
	return out.Key, nil
}
