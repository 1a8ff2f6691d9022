// Package classify maps intercepted requests onto resource classes and
// derives the deterministic cache keys used by the tier store. Classification
// is pure and total: every request gets exactly one class, identical requests
// always get the same class and key.
package classify

import (
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/mediacache/mediacache/internal/config"
	"github.com/mediacache/mediacache/pkg/types"
)

// Classifier decides the resource class of a request from its shape alone:
// method, hostname, and path prefix. It carries no mutable state.
type Classifier struct {
	apiPrefix  string
	imageHosts map[string]struct{}
	appOrigins map[string]struct{}
}

// New builds a classifier from the classify section of the configuration.
func New(cfg config.ClassifyConfig) *Classifier {
	c := &Classifier{
		apiPrefix:  cfg.APIPrefix,
		imageHosts: make(map[string]struct{}, len(cfg.ImageHosts)),
		appOrigins: make(map[string]struct{}, len(cfg.AppOrigins)),
	}
	for _, h := range cfg.ImageHosts {
		c.imageHosts[strings.ToLower(h)] = struct{}{}
	}
	for _, o := range cfg.AppOrigins {
		c.appOrigins[strings.ToLower(o)] = struct{}{}
	}
	return c
}

// Classify returns the resource class for the request. Non-GET requests are
// never intercepted and classify as External.
func (c *Classifier) Classify(r *http.Request) types.ResourceType {
	if r.Method != http.MethodGet {
		return types.ResourceExternal
	}

	host := strings.ToLower(requestHost(r))
	if _, ok := c.imageHosts[host]; ok {
		return types.ResourceImage
	}

	urlHost := strings.ToLower(r.URL.Host)
	if c.apiPrefix != "" && c.sameOrigin(urlHost) && strings.HasPrefix(r.URL.Path, c.apiPrefix) {
		return types.ResourceAPI
	}

	if c.sameOrigin(urlHost) {
		return types.ResourceStatic
	}

	return types.ResourceExternal
}

// sameOrigin judges the request URL, not the Host header: an origin-form
// request (no URL host) was addressed directly to the engine and is
// same-origin by definition.
func (c *Classifier) sameOrigin(urlHost string) bool {
	if urlHost == "" {
		return true
	}
	_, ok := c.appOrigins[urlHost]
	return ok
}

func requestHost(r *http.Request) string {
	if r.URL.Host != "" {
		return r.URL.Host
	}
	return r.Host
}

// Key derives the cache key for a request. Two logically identical requests
// map to the same key regardless of header variation: the key covers method,
// path, and the query string with parameters in sorted order. Headers never
// contribute, so an origin-form request through the interceptor and a
// prefetch of the resolved upstream URL land on the same key. Only
// absolute-form image URLs keep their host, since the same path on two image
// CDNs names two different images.
func Key(r *http.Request, resourceType types.ResourceType) string {
	return KeyFromURL(r.Method, r.URL, resourceType)
}

// KeyFromURL is the URL-level form of Key, used by the prefetch engine which
// has no http.Request in hand.
func KeyFromURL(method string, u *url.URL, resourceType types.ResourceType) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(' ')

	if resourceType == types.ResourceImage && u.Host != "" {
		b.WriteString(strings.ToLower(u.Host))
	}

	b.WriteString(u.Path)

	if q := normalizeQuery(u.Query()); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}

	return b.String()
}

// normalizeQuery renders query parameters sorted by name (and by value within
// a repeated name) so parameter order never produces distinct keys.
func normalizeQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		vals := append([]string(nil), values[name]...)
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(name))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// IsDocument reports whether the request navigates to a page, which decides
// the offline-fallback shape on double failure.
func IsDocument(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
