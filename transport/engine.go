// Package transport is the core HTTP fetch engine: parameter assembly,
// conditional-request headers, a hand-rolled redirect loop that preserves
// cookies across hops, `data:` URL handling, and per-fetch admission
// control bounded by the connection pool optimiser's current size. No
// raised exception ever escapes a fetch attempt: every path returns a
// fetchcore.FetchResult.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cobweb-crawl/fetchcore"
	"github.com/cobweb-crawl/fetchcore/ferrors"
	"github.com/cobweb-crawl/fetchcore/fetchurl"
	"github.com/cobweb-crawl/fetchcore/memguard"
	"github.com/cobweb-crawl/fetchcore/metrics"
	"github.com/cobweb-crawl/fetchcore/pool"
)

// Engine performs http(s) and data: fetches on behalf of the backend
// router. The zero value is not usable; construct with New.
type Engine struct {
	cfg     fetchcore.FetchDefaults
	client  *http.Client
	sem     *admissionSemaphore
	poolOpt *pool.Optimizer
	mem     *memguard.Governor
	metrics *metrics.Registry
	log     zerolog.Logger

	queued int64 // atomic
	active int64 // atomic
}

// New builds an Engine whose http.Client uses a DNS-caching dialer.
// poolOpt seeds the admission semaphore's initial capacity and receives
// SetActive/SetQueue updates on every Fetch. mem may be nil, in which case
// the opportunistic idle-time memory check is skipped; this is only
// intended for tests that don't exercise the memory governor.
func New(cfg fetchcore.FetchDefaults, poolOpt *pool.Optimizer, maxDNSCacheEntries int, mem *memguard.Governor, reg *metrics.Registry, log zerolog.Logger) (*Engine, error) {
	dial, err := newCachingDialer(nil, maxDNSCacheEntries)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		Proxy:               perRequestProxy,
		Dial:                dial,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	e := &Engine{
		cfg:     cfg,
		client:  &http.Client{Transport: transport, CheckRedirect: noFollowRedirects},
		sem:     newAdmissionSemaphore(),
		poolOpt: poolOpt,
		mem:     mem,
		metrics: reg,
		log:     log.With().Str("component", "transport").Logger(),
	}
	e.sem.Add(poolOpt.Size())
	return e, nil
}

func noFollowRedirects(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// AdjustCapacity changes the admission semaphore's capacity by delta,
// called by the service shell whenever the pool optimiser resizes the
// pool.
func (e *Engine) AdjustCapacity(delta int) {
	e.sem.Add(delta)
}

// UserAgent returns the configured default User-Agent, used by callers
// (such as the backend router's robots gate) that need it before a Task
// reaches fetchHTTP's own per-request default resolution.
func (e *Engine) UserAgent() string {
	return e.cfg.UserAgent
}

// Fetch performs one HTTP fetch on behalf of task, blocking until a
// connection-pool slot is available. It never returns an error: every
// failure path is encoded into the returned FetchResult (status 599 and a
// populated Error field).
func (e *Engine) Fetch(ctx context.Context, task *fetchcore.Task) *fetchcore.FetchResult {
	if strings.HasPrefix(task.URL, "data:") {
		return e.fetchData(task)
	}

	e.queueIn()
	e.sem.Wait()
	e.queueOut()
	defer e.sem.Done()

	e.poolOpt.SetActive(int(atomic.AddInt64(&e.active, 1)))
	defer e.checkMemoryIfIdle()

	timer := e.metrics.NewTimer("fetch_time", map[string]string{"fetch_type": "http"})
	defer timer.Stop()

	result := e.fetchHTTP(ctx, task)
	if result.OK() && result.StatusCode >= 200 && result.StatusCode < 300 {
		e.metrics.Increment("fetch_success", 1, map[string]string{"fetch_type": "http"})
		if result.Time > 0 {
			e.metrics.Gauge("fetch_speed", float64(len(result.Content))/result.Time, map[string]string{"fetch_type": "http"})
		}
	} else if !result.OK() {
		kind := ferrors.Classify(errorFromResult(result))
		e.metrics.Increment(kind.CounterName(), 1, map[string]string{"fetch_type": "http"})
	}
	return result
}

func errorFromResult(r *fetchcore.FetchResult) error {
	if r.Error == "" {
		return nil
	}
	return &resultError{msg: r.Error}
}

type resultError struct{ msg string }

func (e *resultError) Error() string { return e.msg }

// queueIn/queueOut report in-flight queue depth to the pool optimiser so
// its scale-up decisions reflect real backpressure.
func (e *Engine) queueIn() {
	n := e.incrQueued(1)
	e.poolOpt.SetQueue(int(n))
}

func (e *Engine) queueOut() {
	n := e.incrQueued(-1)
	e.poolOpt.SetQueue(int(n))
}

func (e *Engine) incrQueued(delta int64) int64 {
	return atomic.AddInt64(&e.queued, delta)
}

// checkMemoryIfIdle triggers the memory governor's opportunistic check
// when this was the last active fetch and nothing else is waiting for
// admission, so memory pressure is checked only when the fetcher has no
// outstanding work rather than on every tick.
func (e *Engine) checkMemoryIfIdle() {
	remaining := atomic.AddInt64(&e.active, -1)
	e.poolOpt.SetActive(int(remaining))
	if remaining == 0 && atomic.LoadInt64(&e.queued) == 0 && e.mem != nil {
		e.mem.Check()
	}
}

func (e *Engine) fetchData(task *fetchcore.Task) *fetchcore.FetchResult {
	start := time.Now()
	content, mediaType, err := decodeDataURL(task.URL)
	if err != nil {
		return e.failureResult(task.URL, start, err)
	}

	headers := http.Header{}
	headers.Set("Content-Type", dataURLMimeType(mediaType))

	e.metrics.Increment("fetch_success", 1, map[string]string{"fetch_type": "data"})
	return &fetchcore.FetchResult{
		StatusCode: 200,
		URL:        task.URL,
		OrigURL:    task.URL,
		Content:    content,
		Headers:    headers,
		Cookies:    map[string]string{},
		Time:       time.Since(start).Seconds(),
	}
}

// FetchRobotsTxt implements robots.Fetcher: a plain unconditional GET of
// host's /robots.txt over scheme, bypassing admission control and the
// robots gate itself (it would otherwise deadlock fetching its own
// permission).
func (e *Engine) FetchRobotsTxt(scheme, host string) (int, []byte, error) {
	if scheme == "" {
		scheme = "http"
	}
	u := &url.URL{Scheme: scheme, Host: host, Path: "/robots.txt"}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req = req.WithContext(ctx)

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// fetchHTTP assembles request parameters, applies conditional headers, and
// runs a manual redirect loop that preserves and re-applies cookies at
// every hop, since Go's CookieJar interface does not compose well with a
// hand-rolled redirect loop that also needs to rewrite method and drop the
// body on 302/303.
func (e *Engine) fetchHTTP(ctx context.Context, task *fetchcore.Task) *fetchcore.FetchResult {
	start := time.Now()
	fc := task.Fetch

	method := fc.Method
	if method == "" {
		method = e.cfg.Method
	}
	timeout := e.cfg.Timeout
	if fc.Timeout != nil {
		timeout = *fc.Timeout
	}
	maxRedirects := e.cfg.MaxRedirects
	if fc.MaxRedirects != nil {
		maxRedirects = *fc.MaxRedirects
	}
	configuredMaxRedirects := maxRedirects
	allowRedirects := true
	if fc.AllowRedirects != nil {
		allowRedirects = *fc.AllowRedirects
	}

	jar := newCookieJar()
	headers := http.Header{}
	for k, v := range fc.Headers {
		if strings.EqualFold(k, "Cookie") {
			jar.seedFromHeader(v)
			continue
		}
		headers.Set(k, v)
	}
	jar.seed(fc.Cookies)

	ua := fc.UserAgent
	if ua == "" {
		ua = e.cfg.UserAgent
	}
	headers.Set("User-Agent", ua)

	applyConditionalHeaders(headers, fc, task.Track)

	var body io.Reader
	if len(fc.Data) > 0 {
		body = bytes.NewReader(fc.Data)
	}

	fetchURL := task.URL
	deadline := time.Now().Add(time.Duration(timeout * float64(time.Second)))

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return e.failureResult(fetchURL, start, ferrors.New(ferrors.KindTimeout, errTimeoutBudgetExhausted))
		}
		reqCtx, cancel := context.WithTimeout(ctx, remaining)

		req, err := http.NewRequestWithContext(reqCtx, method, fetchURL, body)
		if err != nil {
			cancel()
			return e.failureResult(fetchURL, start, err)
		}
		req.Header = headers.Clone()
		if h := jar.header(); h != "" {
			req.Header.Set("Cookie", h)
		}
		if proxyURL := resolveProxy(fc.Proxy, e.cfg.Proxy); proxyURL != nil {
			req = withProxy(req, proxyURL)
		}

		resp, err := e.client.Do(req)
		cancel()
		if err != nil {
			return e.failureResult(fetchURL, start, err)
		}

		jar.absorb(resp)

		if allowRedirects && isRedirectStatus(resp.StatusCode) && resp.Header.Get("Location") != "" {
			resp.Body.Close()
			if maxRedirects <= 0 {
				return e.failureResult(fetchURL, start, ferrors.New(ferrors.KindHTTP, errMaxRedirectsExceeded(configuredMaxRedirects)))
			}
			next, err := resp.Location()
			if err != nil {
				return e.failureResult(fetchURL, start, err)
			}
			if resp.StatusCode == http.StatusFound || resp.StatusCode == http.StatusSeeOther {
				method = http.MethodGet
				body = nil
			}
			fetchURL = canonicalize(next.String())
			maxRedirects--
			continue
		}

		return e.successResult(fetchURL, task, resp, jar, start)
	}
}

func (e *Engine) successResult(fetchURL string, task *fetchcore.Task, resp *http.Response, jar *cookieJar, start time.Time) *fetchcore.FetchResult {
	defer resp.Body.Close()
	content, err := io.ReadAll(io.LimitReader(resp.Body, 100<<20))
	if err != nil {
		return e.failureResult(fetchURL, start, err)
	}

	var save interface{}
	if len(task.Fetch.Save) > 0 {
		save = task.Fetch.Save
	}

	return &fetchcore.FetchResult{
		StatusCode: resp.StatusCode,
		URL:        fetchURL,
		OrigURL:    task.URL,
		Content:    content,
		Headers:    resp.Header,
		Cookies:    jar.snapshot(),
		Time:       time.Since(start).Seconds(),
		Save:       save,
	}
}

func (e *Engine) failureResult(fetchURL string, start time.Time, err error) *fetchcore.FetchResult {
	ferr := ferrors.Classify(err)
	e.log.Debug().Err(err).Str("url", fetchURL).Str("kind", string(ferr.Kind)).Msg("fetch failed")
	statusCode := fetchcore.StatusTransportFailure
	if ferr.Kind == ferrors.KindHTTP && ferr.StatusCode != 0 {
		statusCode = ferr.StatusCode
	}
	return &fetchcore.FetchResult{
		StatusCode: statusCode,
		URL:        fetchURL,
		OrigURL:    fetchURL,
		Cookies:    map[string]string{},
		Time:       time.Since(start).Seconds(),
		Error:      ferr.Error(),
	}
}

func applyConditionalHeaders(headers http.Header, fc fetchcore.FetchConfig, track *fetchcore.Track) {
	trackOK := track != nil && track.Process.OK

	if fc.Etag != "" {
		headers.Set("If-None-Match", fc.Etag)
	} else if trackOK && track.Fetch.Headers.Etag != "" && headers.Get("If-None-Match") == "" {
		headers.Set("If-None-Match", track.Fetch.Headers.Etag)
	}

	if fc.LastModified != "" {
		headers.Set("If-Modified-Since", fc.LastModified)
	} else if trackOK && track.Fetch.Headers.LastModified != "" && headers.Get("If-Modified-Since") == "" {
		headers.Set("If-Modified-Since", track.Fetch.Headers.LastModified)
	}
}

func isRedirectStatus(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
		return true
	default:
		return false
	}
}

func canonicalize(raw string) string {
	u, err := fetchurl.Parse(raw)
	if err != nil {
		return raw
	}
	u.Normalize()
	return u.String()
}

func resolveProxy(taskProxy, defaultProxy string) *url.URL {
	raw := taskProxy
	if raw == "" {
		raw = defaultProxy
	}
	if raw == "" {
		return nil
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	return u
}

func withProxy(req *http.Request, proxyURL *url.URL) *http.Request {
	ctx := context.WithValue(req.Context(), proxyContextKey{}, proxyURL)
	return req.WithContext(ctx)
}

type proxyContextKey struct{}

// perRequestProxy is the http.Transport.Proxy function: it is invoked with
// the actual outgoing *http.Request, so a per-fetch proxy override
// attached via withProxy's context value takes effect for that request
// only; without one the request goes direct (proxy environment variables
// are not consulted).
func perRequestProxy(req *http.Request) (*url.URL, error) {
	if v := req.Context().Value(proxyContextKey{}); v != nil {
		return v.(*url.URL), nil
	}
	return nil, nil
}

var errTimeoutBudgetExhausted = &net.OpError{Op: "fetch", Err: errTimeoutLiteral("fetch timeout budget exhausted")}

// errMaxRedirectsExceeded reports the configured redirect budget (not its
// current, exhausted value) so a caller sees e.g. "Maximum (2) redirects
// followed" for a max_redirects=2 task.
func errMaxRedirectsExceeded(configured int) error {
	return errRedirectLiteral(fmt.Sprintf("Maximum (%d) redirects followed", configured))
}

type errTimeoutLiteral string

func (e errTimeoutLiteral) Error() string { return string(e) }
func (e errTimeoutLiteral) Timeout() bool { return true }

type errRedirectLiteral string

func (e errRedirectLiteral) Error() string { return string(e) }
