package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/pageza/alchemorsel-v2/pipeline/internal/logging"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/source"
)

const (
	defaultMinImageDimension = 200
	maxProbes                = 6
	probeBytes               = 64 << 10
)

var (
	rejectImagePattern = regexp.MustCompile(`(?i)(icon|logo|sprite|pixel|tracking|avatar|spacer|blank|badge|gravatar|1x1)`)
	heroHintPattern    = regexp.MustCompile(`(?i)(recipe|hero|featured|main-image|post-image|wp-post-image|entry-image)`)
)

// DimensionProber reads an image's pixel size without downloading all of it.
type DimensionProber interface {
	Dimensions(ctx context.Context, imageURL string) (width, height int, err error)
}

// Scraper finds the representative image of a recipe page.
type Scraper struct {
	pages  source.PageFetcher
	probe  DimensionProber
	minDim int
	logger *zap.Logger
}

func NewScraper(pages source.PageFetcher, probe DimensionProber, minDim int, logger *zap.Logger) *Scraper {
	if minDim <= 0 {
		minDim = defaultMinImageDimension
	}
	return &Scraper{
		pages:  pages,
		probe:  probe,
		minDim: minDim,
		logger: logging.OrNop(logger).Named("scraper"),
	}
}

type imageCandidate struct {
	url           string
	width, height int
}

func (c imageCandidate) known() bool { return c.width > 0 && c.height > 0 }

// FindImage returns the first acceptable image of pageURL, trying structured
// metadata first, then hero markup, then the largest image on the page.
// It returns "" with a nil error when the page has nothing usable.
func (s *Scraper) FindImage(ctx context.Context, pageURL string) (string, error) {
	page, err := s.pages.Fetch(ctx, pageURL)
	if err != nil {
		return "", err
	}
	if !page.IsHTML() {
		return "", nil
	}
	doc, err := html.Parse(bytes.NewReader(page.Body))
	if err != nil {
		return "", fmt.Errorf("parse page: %w", err)
	}

	meta, hero, all := collectCandidates(doc, page.URL)

	for _, tier := range [][]imageCandidate{meta, hero} {
		if u := s.firstAcceptable(tier); u != "" {
			return u, nil
		}
	}
	return s.largest(ctx, all), nil
}

func (s *Scraper) firstAcceptable(cands []imageCandidate) string {
	for _, c := range cands {
		if s.acceptable(c) {
			return c.url
		}
	}
	return ""
}

func (s *Scraper) acceptable(c imageCandidate) bool {
	if c.url == "" || strings.HasPrefix(c.url, "data:") {
		return false
	}
	lower := strings.ToLower(c.url)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	if strings.HasSuffix(lower, ".svg") || rejectImagePattern.MatchString(c.url) {
		return false
	}
	if c.known() && (c.width < s.minDim || c.height < s.minDim) {
		return false
	}
	return true
}

// largest probes unsized candidates, up to a limit, and keeps the widest
// image that meets the minimum. Equal widths go to the taller image.
func (s *Scraper) largest(ctx context.Context, cands []imageCandidate) string {
	var best imageCandidate
	probes := 0
	for _, c := range cands {
		if !s.acceptable(c) {
			continue
		}
		if !c.known() && s.probe != nil && probes < maxProbes {
			probes++
			w, h, err := s.probe.Dimensions(ctx, c.url)
			if err != nil {
				s.logger.Debug("image probe failed", zap.String("url", c.url), zap.Error(err))
				continue
			}
			c.width, c.height = w, h
			if !s.acceptable(c) {
				continue
			}
		}
		if !c.known() {
			continue
		}
		if c.width > best.width || (c.width == best.width && c.height > best.height) {
			best = c
		}
	}
	return best.url
}

// collectCandidates walks the document once. meta holds JSON-LD and social
// tags in priority order, hero holds images marked as the main picture, and
// all holds every <img>.
func collectCandidates(doc *html.Node, base *url.URL) (meta, hero, all []imageCandidate) {
	var jsonLD, og, twitter []imageCandidate

	var walk func(n *html.Node, heroContext bool)
	walk = func(n *html.Node, heroContext bool) {
		if n.Type == html.ElementNode {
			if hasHeroHint(n) {
				heroContext = true
			}
			switch n.DataAtom {
			case atom.Script:
				if source.IsJSONLD(n) && n.FirstChild != nil {
					for _, u := range jsonLDImages([]byte(n.FirstChild.Data)) {
						jsonLD = append(jsonLD, imageCandidate{url: resolveURL(base, u)})
					}
				}
				return
			case atom.Meta:
				prop := strings.ToLower(source.Attr(n, "property"))
				if prop == "" {
					prop = strings.ToLower(source.Attr(n, "name"))
				}
				content := resolveURL(base, source.Attr(n, "content"))
				switch prop {
				case "og:image", "og:image:url", "og:image:secure_url":
					og = append(og, imageCandidate{url: content})
				case "twitter:image", "twitter:image:src":
					twitter = append(twitter, imageCandidate{url: content})
				}
			case atom.Img:
				c := imgCandidate(n, base)
				all = append(all, c)
				if heroContext {
					hero = append(hero, c)
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child, heroContext)
		}
	}
	walk(doc, false)

	meta = append(append(jsonLD, og...), twitter...)
	return meta, hero, all
}

func hasHeroHint(n *html.Node) bool {
	return heroHintPattern.MatchString(source.Attr(n, "class")) || heroHintPattern.MatchString(source.Attr(n, "id"))
}

// imgCandidate prefers lazy-load attributes and the widest srcset entry
// over src, which is often a placeholder.
func imgCandidate(n *html.Node, base *url.URL) imageCandidate {
	c := imageCandidate{}
	c.width, _ = strconv.Atoi(strings.TrimSuffix(source.Attr(n, "width"), "px"))
	c.height, _ = strconv.Atoi(strings.TrimSuffix(source.Attr(n, "height"), "px"))

	if u, w := widestSrcset(source.Attr(n, "srcset")); u != "" {
		c.url = u
		if w > c.width && c.width > 0 && c.height > 0 {
			c.height = c.height * w / c.width
			c.width = w
		}
	}
	for _, attr := range []string{"data-src", "data-lazy-src", "src"} {
		if c.url != "" {
			break
		}
		if v := strings.TrimSpace(source.Attr(n, attr)); v != "" && !strings.HasPrefix(v, "data:") {
			c.url = v
		}
	}
	c.url = resolveURL(base, c.url)
	return c
}

// widestSrcset returns the entry with the largest width descriptor. Density
// descriptors ("2x") rank by their multiplier.
func widestSrcset(srcset string) (string, int) {
	best, bestW := "", -1
	for _, entry := range strings.Split(srcset, ",") {
		fields := strings.Fields(strings.TrimSpace(entry))
		if len(fields) == 0 {
			continue
		}
		w := 0
		if len(fields) > 1 {
			d := fields[1]
			switch {
			case strings.HasSuffix(d, "w"):
				w, _ = strconv.Atoi(strings.TrimSuffix(d, "w"))
			case strings.HasSuffix(d, "x"):
				x, _ := strconv.ParseFloat(strings.TrimSuffix(d, "x"), 64)
				w = int(x)
			}
		}
		if w > bestW {
			best, bestW = fields[0], w
		}
	}
	if bestW < 0 {
		bestW = 0
	}
	return best, bestW
}

func resolveURL(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "data:") {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

// jsonLDImages pulls Recipe.image out of a JSON-LD block. The block may be a
// single object, an array, or an @graph container; image may be a string, an
// ImageObject or a list of either.
func jsonLDImages(raw []byte) []string {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	var out []string
	var visit func(interface{})
	visit = func(v interface{}) {
		switch t := v.(type) {
		case []interface{}:
			for _, item := range t {
				visit(item)
			}
		case map[string]interface{}:
			if graph, ok := t["@graph"]; ok {
				visit(graph)
			}
			if isRecipeType(t["@type"]) {
				out = append(out, imageURLs(t["image"])...)
			}
		}
	}
	visit(v)
	return out
}

func isRecipeType(v interface{}) bool {
	switch t := v.(type) {
	case string:
		return t == "Recipe"
	case []interface{}:
		for _, item := range t {
			if s, ok := item.(string); ok && s == "Recipe" {
				return true
			}
		}
	}
	return false
}

func imageURLs(v interface{}) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []interface{}:
		var out []string
		for _, item := range t {
			out = append(out, imageURLs(item)...)
		}
		return out
	case map[string]interface{}:
		if u, ok := t["url"].(string); ok {
			return []string{u}
		}
		if u, ok := t["contentUrl"].(string); ok {
			return []string{u}
		}
	}
	return nil
}

// HTTPProber reads the image header with a ranged request.
type HTTPProber struct {
	client *resty.Client
}

// NewHTTPProber builds a prober that, unless allowPrivate is set, only dials
// public addresses.
func NewHTTPProber(timeout time.Duration, allowPrivate bool) *HTTPProber {
	client := resty.New().
		SetTransport(source.NewTransport(allowPrivate)).
		SetTimeout(timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5))
	return &HTTPProber{client: client}
}

func (p *HTTPProber) Dimensions(ctx context.Context, imageURL string) (int, int, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Range", fmt.Sprintf("bytes=0-%d", probeBytes-1)).
		Get(imageURL)
	if err != nil {
		return 0, 0, err
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.IsError() {
		return 0, 0, fmt.Errorf("probe %s: status %d", imageURL, resp.StatusCode())
	}
	// Servers may ignore Range, so the read is capped here too.
	cfg, _, err := image.DecodeConfig(io.LimitReader(body, probeBytes))
	if err != nil {
		return 0, 0, fmt.Errorf("probe %s: %w", imageURL, err)
	}
	return cfg.Width, cfg.Height, nil
}
