package strategy

import (
	"net/http"
	"net/url"

	"github.com/mediacache/mediacache/internal/cache"
	"github.com/mediacache/mediacache/internal/classify"
	"github.com/mediacache/mediacache/pkg/types"
)

// placeholderSVG is served in place of images that are neither cached nor
// fetchable. A 200 status keeps <img> elements from showing broken icons.
const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="400" height="300" viewBox="0 0 400 300"><rect width="400" height="300" fill="#2a2a2a"/><text x="200" y="150" fill="#888" font-family="sans-serif" font-size="16" text-anchor="middle" dominant-baseline="middle">Image unavailable offline</text></svg>`

const offlineJSON = `{"error":"offline","message":"This content is not available offline.","offline":true}`

const offlineHTML = `<!DOCTYPE html>
<html>
<head><title>Offline</title></head>
<body>
<h1>You are offline</h1>
<p>This page is not available offline. Reconnect and try again.</p>
</body>
</html>`

// OfflineAPIResponse synthesizes the 503 JSON body served when an API request
// cannot be answered from cache or network.
func OfflineAPIResponse() *cache.Payload {
	return &cache.Payload{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{
			"Content-Type":  []string{"application/json"},
			"Cache-Control": []string{"no-store"},
		},
		Body: []byte(offlineJSON),
	}
}

// PlaceholderImage synthesizes the SVG stand-in for unreachable images.
func PlaceholderImage() *cache.Payload {
	return &cache.Payload{
		Status: http.StatusOK,
		Header: http.Header{
			"Content-Type":  []string{"image/svg+xml"},
			"Cache-Control": []string{"no-store"},
		},
		Body: []byte(placeholderSVG),
	}
}

// offlinePage serves the app's cached offline page, falling back to a
// built-in minimal one when it was never cached.
func (e *Executor) offlinePage() *Result {
	if e.cfg.OfflinePagePath != "" {
		u := &url.URL{Path: e.cfg.OfflinePagePath}
		key := classify.KeyFromURL(http.MethodGet, u, types.ResourceStatic)
		if entry, ok := e.store.Get(cache.TierStatic, key); ok {
			return &Result{Payload: &entry.Payload, Source: SourceCache, Tier: cache.TierStatic, Key: key}
		}
	}
	return &Result{
		Payload: &cache.Payload{
			Status: http.StatusServiceUnavailable,
			Header: http.Header{
				"Content-Type":  []string{"text/html; charset=utf-8"},
				"Cache-Control": []string{"no-store"},
			},
			Body: []byte(offlineHTML),
		},
		Source: SourceSynthesized,
	}
}
