package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Identity is the stable key of a product, derived from the source name and
// the canonical listing URL. The same (source, url) pair always yields the
// same Identity.
type Identity string

func (i Identity) String() string {
	return string(i)
}

// NewIdentity derives the Identity for a listing URL published by a source.
func NewIdentity(sourceName, listingURL string) Identity {
	key := strings.ToLower(strings.TrimSpace(sourceName)) + "|" + CanonicalURL(listingURL)
	sum := sha256.Sum256([]byte(key))
	return Identity(hex.EncodeToString(sum[:]))
}

// CanonicalURL normalizes a listing URL so that cosmetic differences
// (case of scheme/host, fragments, tracking parameters, trailing slashes)
// do not produce distinct identities.
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimRight(raw, "/")
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	q := u.Query()
	for key := range q {
		if strings.HasPrefix(strings.ToLower(key), "utm_") {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()

	if u.Path != "/" {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	return u.String()
}

// Listing is a single product snapshot fetched from a source. Prices are
// fixed-point decimals in AUD.
type Listing struct {
	ID        Identity        `json:"id"`
	Source    string          `json:"source"`
	URL       string          `json:"url"`
	Name      string          `json:"name"`
	Brand     string          `json:"brand,omitempty"`
	Price     decimal.Decimal `json:"price"`
	ImageURL  string          `json:"image_url,omitempty"`
	Available bool            `json:"available"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Adapter is the capability contract every external listing source
// implements.
type Adapter interface {
	// Name is stable and non-empty for the lifetime of the adapter.
	Name() string

	// FetchListings returns at most limit listings for query. An empty
	// result is not an error.
	FetchListings(ctx context.Context, query string, limit int) ([]Listing, error)

	// ProbeHealth reports whether the source is reachable. It never
	// returns an error; internal failures report false.
	ProbeHealth(ctx context.Context) bool
}

// Remote is implemented by adapters whose calls are routed through a
// circuit-broken destination. Callers can use it to skip a source whose
// breaker is open without calling it.
type Remote interface {
	Destination() string
}
