// Package geo resolves client addresses to an approximate location for the
// login audit trail. Lookups are best effort: every failure is reported as
// ErrUnavailable and callers proceed without location data.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrUnavailable is returned whenever a location could not be resolved.
var ErrUnavailable = errors.New("geo lookup unavailable")

const (
	DefaultTimeout   = 5 * time.Second
	DefaultCacheTTL  = 10 * time.Minute
	defaultCacheSize = 4096
)

// Location is the approximate position of a network address.
type Location struct {
	Country string  `json:"country"`
	Region  string  `json:"region"`
	City    string  `json:"city"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	ISP     string  `json:"isp"`
}

// Resolver looks up the location of an IP address.
type Resolver interface {
	Resolve(ctx context.Context, ip string) (*Location, error)
}

// lookupResponse is the ip-api.com JSON payload.
type lookupResponse struct {
	Status     string  `json:"status"`
	Message    string  `json:"message"`
	Country    string  `json:"country"`
	RegionName string  `json:"regionName"`
	City       string  `json:"city"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	ISP        string  `json:"isp"`
}

// Client resolves addresses against an ip-api.com compatible endpoint.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	cache   *expirable.LRU[string, Location]
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithCacheTTL sets how long successful lookups are reused. Zero disables
// caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl <= 0 {
			c.cache = nil
			return
		}
		c.cache = expirable.NewLRU[string, Location](defaultCacheSize, nil, ttl)
	}
}

// NewClient creates a Client. baseURL is the lookup prefix the address is
// appended to, e.g. "http://ip-api.com/json/".
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	c := &Client{
		baseURL: baseURL,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
		cache:   expirable.NewLRU[string, Location](defaultCacheSize, nil, DefaultCacheTTL),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve returns the location of ip. The call never takes longer than the
// client timeout. Non-public addresses are never sent to the provider.
func (c *Client) Resolve(ctx context.Context, ip string) (*Location, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid address %q", ErrUnavailable, ip)
	}
	addr = addr.Unmap()
	if !isPublic(addr) {
		return nil, fmt.Errorf("%w: non-public address %s", ErrUnavailable, addr)
	}

	key := addr.String()
	if c.cache != nil {
		if loc, ok := c.cache.Get(key); ok {
			return &loc, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+url.PathEscape(key), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: provider returned status %d", ErrUnavailable, resp.StatusCode)
	}

	var payload lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if payload.Status != "success" {
		return nil, fmt.Errorf("%w: provider status %q: %s", ErrUnavailable, payload.Status, payload.Message)
	}

	loc := Location{
		Country: payload.Country,
		Region:  payload.RegionName,
		City:    payload.City,
		Lat:     payload.Lat,
		Lon:     payload.Lon,
		ISP:     payload.ISP,
	}
	if c.cache != nil {
		c.cache.Add(key, loc)
	}
	return &loc, nil
}

func isPublic(addr netip.Addr) bool {
	return addr.IsValid() &&
		!addr.IsLoopback() &&
		!addr.IsPrivate() &&
		!addr.IsLinkLocalUnicast() &&
		!addr.IsLinkLocalMulticast() &&
		!addr.IsMulticast() &&
		!addr.IsUnspecified()
}
