package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/federato/identity-core/internal/cache"
	"github.com/federato/identity-core/internal/observability/logger"
)

// ErrNotResolvable is returned when a DID cannot be resolved to a
// document. Verification fails closed on this error.
var ErrNotResolvable = errors.New("identity: did not resolvable")

// Resolver turns a DID into an immutable document snapshot.
type Resolver interface {
	Resolve(ctx context.Context, did string) (*Document, error)
}

// ResolverConfig configures the directory client and its caches.
type ResolverConfig struct {
	// DirectoryURL is the base URL of the DID directory, e.g.
	// "https://plc.directory". Documents are fetched as GET {base}/{did}.
	DirectoryURL string

	// Timeout bounds a single resolution round trip.
	Timeout time.Duration

	// CacheTTL is how long a resolved document is served from cache.
	CacheTTL time.Duration

	// NegativeTTL is how long a resolution failure is remembered, keeping
	// repeated lookups for bogus DIDs off the hot path.
	NegativeTTL time.Duration
}

func (c *ResolverConfig) withDefaults() ResolverConfig {
	out := *c
	if out.Timeout <= 0 {
		out.Timeout = 5 * time.Second
	}
	if out.CacheTTL <= 0 {
		out.CacheTTL = 5 * time.Minute
	}
	if out.NegativeTTL <= 0 {
		out.NegativeTTL = 30 * time.Second
	}
	return out
}

// directoryResolver fetches documents over HTTP with a read-through cache.
type directoryResolver struct {
	cfg  ResolverConfig
	http *http.Client
	docs cache.Cache
}

// negative-cache marker; an entry with this payload means "recently failed".
const negEntry = "!"

// NewResolver builds the caching directory resolver.
func NewResolver(cfg ResolverConfig, docCache cache.Cache) Resolver {
	c := cfg.withDefaults()
	return &directoryResolver{
		cfg:  c,
		http: &http.Client{Timeout: c.Timeout},
		docs: docCache,
	}
}

func (r *directoryResolver) Resolve(ctx context.Context, did string) (*Document, error) {
	if !IsDID(did) {
		return nil, ErrNotResolvable
	}

	cacheKey := "did:doc:" + did
	if b, ok := r.docs.Get(cacheKey); ok {
		if string(b) == negEntry {
			return nil, ErrNotResolvable
		}
		var doc Document
		if err := json.Unmarshal(b, &doc); err == nil {
			return &doc, nil
		}
		// corrupt cache entry: fall through to a fresh fetch
		r.docs.Delete(cacheKey)
	}

	doc, err := r.fetch(ctx, did)
	if err != nil {
		logger.From(ctx).Debug("did resolution failed",
			logger.Component("identity.resolver"),
			logger.DID(did),
			logger.Err(err),
		)
		r.docs.Set(cacheKey, []byte(negEntry), r.cfg.NegativeTTL)
		return nil, ErrNotResolvable
	}

	if b, err := json.Marshal(doc); err == nil {
		r.docs.Set(cacheKey, b, r.cfg.CacheTTL)
	}
	return doc, nil
}

func (r *directoryResolver) fetch(ctx context.Context, did string) (*Document, error) {
	endpoint := strings.TrimRight(r.cfg.DirectoryURL, "/") + "/" + url.PathEscape(did)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("directory returned 404")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory returned %d", resp.StatusCode)
	}

	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if doc.ID != did {
		return nil, fmt.Errorf("document id %q does not match %q", doc.ID, did)
	}
	return &doc, nil
}
