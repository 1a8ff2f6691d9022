// Package upstream performs the engine's network fetches. All network I/O
// funnels through one Fetcher so the circuit breaker sees every outcome and
// response bodies are captured exactly once.
package upstream

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/mediacache/mediacache/internal/cache"
	"github.com/mediacache/mediacache/internal/circuit"
	"github.com/mediacache/mediacache/internal/config"
	"github.com/mediacache/mediacache/pkg/errors"
)

// Fetcher proxies intercepted requests to their origin and fetches prefetch
// URLs. Transport failures come back as coded errors; any HTTP status is a
// successful fetch from the transport's point of view.
type Fetcher struct {
	client  *http.Client
	baseURL *url.URL
	breaker *circuit.Breaker
	logger  *zap.Logger
}

// New builds a fetcher from the upstream configuration.
func New(cfg config.UpstreamConfig, logger *zap.Logger) (*Fetcher, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ConnectTimeout > 0 {
		transport.DialContext = (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext
	}
	f := &Fetcher{
		// Per-request deadlines come from the caller's context, so the
		// client itself carries no overall timeout.
		client: &http.Client{Transport: transport},
		logger: logger,
	}

	if cfg.BaseURL != "" {
		base, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "parse upstream base URL")
		}
		f.baseURL = base
	}

	if cfg.CircuitBreaker.Enabled {
		f.breaker = circuit.New(circuit.Config{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			Interval:         cfg.CircuitBreaker.Interval,
			Timeout:          cfg.CircuitBreaker.Timeout,
			OnStateChange: func(from, to circuit.State) {
				logger.Warn("upstream circuit state changed",
					zap.Stringer("from", from), zap.Stringer("to", to))
			},
		})
	}

	return f, nil
}

// Forward replays an intercepted request against its origin and captures the
// full response. Relative request URLs resolve against the configured base.
func (f *Fetcher) Forward(ctx context.Context, r *http.Request) (*cache.Payload, error) {
	target := *r.URL
	if !target.IsAbs() {
		if f.baseURL == nil {
			return nil, errors.New(errors.ErrCodeInvalidConfig, "relative request with no upstream base URL")
		}
		resolved := f.baseURL.ResolveReference(&target)
		target = *resolved
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), cloneBody(r))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeNetworkError, "build upstream request")
	}
	copyHeader(out.Header, r.Header)
	out.Header.Del("Connection")
	out.Header.Del("Proxy-Connection")

	return f.do(out)
}

// FetchURL fetches an absolute URL with the given extra headers, used by the
// prefetch engine and background revalidation.
func (f *Fetcher) FetchURL(ctx context.Context, rawURL string, header http.Header) (*cache.Payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeNetworkError, "build fetch request")
	}
	copyHeader(req.Header, header)
	return f.do(req)
}

func (f *Fetcher) do(req *http.Request) (*cache.Payload, error) {
	if f.breaker != nil {
		if err := f.breaker.Allow(); err != nil {
			return nil, err
		}
	}

	resp, err := f.client.Do(req)
	if f.breaker != nil {
		f.breaker.Record(err)
	}
	if err != nil {
		if isTimeout(err) {
			return nil, errors.Wrap(err, errors.ErrCodeOperationTimeout, "upstream fetch timed out")
		}
		return nil, errors.Wrap(err, errors.ErrCodeNetworkError, "upstream fetch failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeNetworkError, "read upstream body")
	}

	header := make(http.Header, len(resp.Header))
	copyHeader(header, resp.Header)

	return &cache.Payload{Status: resp.StatusCode, Header: header, Body: body}, nil
}

// BreakerState exposes the breaker state for diagnostics; reports closed when
// the breaker is disabled.
func (f *Fetcher) BreakerState() circuit.State {
	if f.breaker == nil {
		return circuit.StateClosed
	}
	return f.breaker.State()
}

func cloneBody(r *http.Request) io.Reader {
	// Intercepted cacheable requests are GETs; anything with a body passes
	// through its original reader untouched.
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	return r.Body
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func isTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return stderrors.As(err, &ne) && ne.Timeout()
}
