// Package source turns a record's original input into the raw text the
// extraction stage reads, and fetches the pages the image scraper inspects.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultMaxPageBytes = 4 << 20
	userAgent           = "Mozilla/5.0 (compatible; AlchemorselBot/1.0; +https://alchemorsel.com/bot)"
)

// ErrFetch wraps every reason a page could not be downloaded.
var ErrFetch = errors.New("failed to fetch source")

// Page is a fetched document.
type Page struct {
	URL         *url.URL
	ContentType string
	Body        []byte
}

// IsHTML reports whether the page should be parsed as markup.
func (p *Page) IsHTML() bool {
	ct := strings.ToLower(p.ContentType)
	return ct == "" || strings.Contains(ct, "html")
}

// Fetcher downloads pages and images over HTTP.
type Fetcher struct {
	client       *resty.Client
	maxBytes     int
	allowPrivate bool
}

// FetcherOption adjusts a Fetcher built by NewFetcher.
type FetcherOption func(*Fetcher)

// WithMaxBytes caps how much of a response body is read.
func WithMaxBytes(n int) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

// AllowPrivateNetworks lets the fetcher reach loopback and private
// addresses. Local development and tests only.
func AllowPrivateNetworks() FetcherOption {
	return func(f *Fetcher) { f.allowPrivate = true }
}

// NewFetcher builds a fetcher that reads at most 4 MiB per page and only
// dials public addresses, unless opts say otherwise.
func NewFetcher(timeout time.Duration, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{maxBytes: defaultMaxPageBytes}
	for _, opt := range opts {
		opt(f)
	}
	f.client = resty.New().
		SetTransport(NewTransport(f.allowPrivate)).
		SetTimeout(timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5)).
		SetHeader("User-Agent", userAgent).
		SetHeader("Accept", "text/html,application/xhtml+xml,image/*;q=0.9,*/*;q=0.8")
	return f
}

// Fetch downloads rawURL. Only http and https are allowed.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid url %q", ErrFetch, rawURL)
	}

	// The body is streamed so an oversized page is never held in memory.
	resp, err := f.client.R().SetContext(ctx).SetDoNotParseResponse(true).Get(u.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	raw := resp.RawBody()
	defer raw.Close()

	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrFetch, u.Host, resp.StatusCode())
	}

	body, err := io.ReadAll(io.LimitReader(raw, int64(f.maxBytes)))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrFetch, u.Host, err)
	}

	final := u
	if raw := resp.RawResponse; raw != nil && raw.Request != nil && raw.Request.URL != nil {
		final = raw.Request.URL
	}
	return &Page{
		URL:         final,
		ContentType: resp.Header().Get("Content-Type"),
		Body:        body,
	}, nil
}
