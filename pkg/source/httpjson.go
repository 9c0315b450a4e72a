package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/turbolytics/pricewatch/pkg/transport"
	"go.uber.org/zap"
)

// HTTPJSON is a generic adapter for sources exposing a JSON search API:
//
//	GET {base}/api/search?q=...&limit=...  -> {"listings":[...]} or [...]
//	GET {base}/health                      -> any 2xx
type HTTPJSON struct {
	name        string
	baseURL     string
	destination string
	userAgent   string

	client *transport.Client
	now    func() time.Time
	logger *zap.Logger
}

type HTTPJSONOption func(*HTTPJSON)

func HTTPJSONWithUserAgent(ua string) HTTPJSONOption {
	return func(h *HTTPJSON) {
		h.userAgent = ua
	}
}

func HTTPJSONWithClock(now func() time.Time) HTTPJSONOption {
	return func(h *HTTPJSON) {
		h.now = now
	}
}

func HTTPJSONWithLogger(logger *zap.Logger) HTTPJSONOption {
	return func(h *HTTPJSON) {
		h.logger = logger
	}
}

func NewHTTPJSON(name, baseURL string, client *transport.Client, opts ...HTTPJSONOption) (*HTTPJSON, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("source name is required")
	}
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	destination, err := transport.Destination(base)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", name, err)
	}
	if client == nil {
		return nil, fmt.Errorf("source %s: transport client is required", name)
	}

	h := &HTTPJSON{
		name:        name,
		baseURL:     base,
		destination: destination,
		userAgent:   "pricewatch/1.0",
		client:      client,
		now:         time.Now,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *HTTPJSON) Name() string {
	return h.name
}

func (h *HTTPJSON) Destination() string {
	return h.destination
}

type jsonListing struct {
	URL       string          `json:"url"`
	Name      string          `json:"name"`
	Brand     string          `json:"brand"`
	Price     decimal.Decimal `json:"price"`
	Image     string          `json:"image"`
	Available *bool           `json:"available"`
}

func (h *HTTPJSON) FetchListings(ctx context.Context, query string, limit int) ([]Listing, error) {
	u, err := url.Parse(h.baseURL + "/api/search")
	if err != nil {
		return nil, transport.Permanent(h.destination, err)
	}
	q := u.Query()
	q.Set("q", strings.TrimSpace(query))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u.RawQuery = q.Encode()

	body, err := h.client.Get(ctx, u.String(), h.header())
	if err != nil {
		return nil, err
	}

	raw, err := decodeListings(body)
	if err != nil {
		return nil, transport.Permanent(h.destination, fmt.Errorf("search payload parse: %w", err))
	}

	fetchedAt := h.now()
	out := make([]Listing, 0, len(raw))
	for _, r := range raw {
		if limit > 0 && len(out) >= limit {
			break
		}
		if strings.TrimSpace(r.URL) == "" {
			h.logger.Debug("skipping listing without url", zap.String("name", r.Name))
			continue
		}
		available := true
		if r.Available != nil {
			available = *r.Available
		}
		out = append(out, Listing{
			ID:        NewIdentity(h.name, r.URL),
			Source:    h.name,
			URL:       CanonicalURL(r.URL),
			Name:      strings.TrimSpace(r.Name),
			Brand:     strings.TrimSpace(r.Brand),
			Price:     r.Price,
			ImageURL:  strings.TrimSpace(r.Image),
			Available: available,
			FetchedAt: fetchedAt,
		})
	}
	return out, nil
}

func (h *HTTPJSON) ProbeHealth(ctx context.Context) bool {
	if err := h.client.Probe(ctx, h.baseURL+"/health", h.header()); err != nil {
		h.logger.Debug("health probe failed",
			zap.String("source", h.name),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (h *HTTPJSON) header() http.Header {
	hdr := http.Header{}
	hdr.Set("User-Agent", h.userAgent)
	hdr.Set("Accept", "application/json")
	return hdr
}

// decodeListings accepts both object-wrapped and bare-array payloads.
func decodeListings(body []byte) ([]jsonListing, error) {
	var wrapped struct {
		Listings []jsonListing `json:"listings"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil {
		return wrapped.Listings, nil
	}
	var arr []jsonListing
	if err := json.Unmarshal(body, &arr); err != nil {
		return nil, err
	}
	return arr, nil
}
