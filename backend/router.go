// Package backend dispatches a Task to the engine that actually performs
// the fetch: the in-process transport.Engine for http (and data:) URLs, or
// a remote headless-browser proxy reached over plain JSON-over-HTTP for
// puppeteer/playwright/py_playwright/splash.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cobweb-crawl/fetchcore"
	"github.com/cobweb-crawl/fetchcore/metrics"
	"github.com/cobweb-crawl/fetchcore/robots"
	"github.com/cobweb-crawl/fetchcore/transport"
)

// Endpoints holds the operator-configured URLs for each remote backend. An
// empty string means that backend is not enabled.
type Endpoints struct {
	Puppeteer    string
	Playwright   string
	PyPlaywright string
	Splash       string
}

// Router selects and invokes the correct backend for a Task.
type Router struct {
	engine    *transport.Engine
	endpoints Endpoints
	client    *http.Client
	metrics   *metrics.Registry
	robots    *robots.Cache
	log       zerolog.Logger

	deprecationOnce sync.Once
}

// New builds a Router that dispatches http/data: fetches to engine and
// proxies everything else to the given remote endpoints. robotsCache may
// be nil, in which case fetch.robots_txt is ignored (no gate is applied);
// this is only intended for tests that don't exercise the robots gate.
func New(engine *transport.Engine, endpoints Endpoints, robotsCache *robots.Cache, reg *metrics.Registry, log zerolog.Logger) *Router {
	return &Router{
		engine:    engine,
		endpoints: endpoints,
		client:    &http.Client{Timeout: 125 * time.Second},
		metrics:   reg,
		robots:    robotsCache,
		log:       log.With().Str("component", "backend").Logger(),
	}
}

// Dispatch routes task to the backend named by its fetch_type, rewriting
// the deprecated "js"/"phantomjs" types to "puppeteer" (logging the
// rewrite exactly once per process, mirroring tornado_fetcher.py's
// logger.warning call) and returns that backend's FetchResult. Dispatch
// never panics and never returns an error: every failure is encoded into
// the FetchResult itself.
func (r *Router) Dispatch(ctx context.Context, task *fetchcore.Task) *fetchcore.FetchResult {
	fetchType := task.Fetch.FetchType

	switch fetchType {
	case fetchcore.FetchTypeJS, fetchcore.FetchTypePhantomJS:
		r.deprecationOnce.Do(func() {
			r.log.Warn().
				Str("fetch_type", string(fetchType)).
				Msg("fetch_type is deprecated and has been redirected to puppeteer; update callers to request puppeteer directly")
		})
		fetchType = fetchcore.FetchTypePuppeteer
	case "":
		fetchType = fetchcore.FetchTypeHTTP
	}

	switch fetchType {
	case fetchcore.FetchTypeHTTP:
		if denied := r.checkRobots(task); denied != nil {
			return denied
		}
		return r.engine.Fetch(ctx, task)
	case fetchcore.FetchTypePuppeteer:
		return r.dispatchRemote(ctx, "puppeteer", r.endpoints.Puppeteer, task)
	case fetchcore.FetchTypePlaywright:
		return r.dispatchRemote(ctx, "playwright", r.endpoints.Playwright, task)
	case fetchcore.FetchTypePyPlaywright:
		return r.dispatchRemote(ctx, "py_playwright", r.endpoints.PyPlaywright, task)
	case fetchcore.FetchTypeSplash:
		return r.dispatchRemote(ctx, "splash", r.endpoints.Splash, withSplashLuaSource(task))
	default:
		return r.notEnabledResult(task, string(fetchType))
	}
}

// checkRobots enforces fetch.robots_txt: when set and the robots cache
// denies the task's URL under the effective user agent, it returns a 403
// FetchResult (per tornado_fetcher.py's can_fetch gate); otherwise nil,
// meaning the caller should proceed with the fetch.
func (r *Router) checkRobots(task *fetchcore.Task) *fetchcore.FetchResult {
	if r.robots == nil || !task.Fetch.RobotsTxt {
		return nil
	}
	parsed, err := url.Parse(task.URL)
	if err != nil || parsed.Host == "" {
		return nil
	}
	scheme := parsed.Scheme
	if scheme == "" {
		scheme = "http"
	}
	ua := task.Fetch.UserAgent
	if ua == "" {
		ua = r.engine.UserAgent()
	}
	if r.robots.Allowed(scheme, parsed.Host, ua, task.URL) {
		return nil
	}
	r.log.Info().Str("url", task.URL).Str("host", parsed.Host).Msg("disallowed by robots.txt")
	return &fetchcore.FetchResult{
		StatusCode: 403,
		URL:        task.URL,
		OrigURL:    task.URL,
		Cookies:    map[string]string{},
		Error:      "Disallowed by robots.txt",
	}
}

// dispatchRemote POSTs task as JSON to endpoint and decodes a FetchResult
// from the response body, matching puppeteer_fetch's contract: the remote
// proxy performs its own fetch and returns a pre-built fetcher_output
// object, which fetchcore here simply relays.
func (r *Router) dispatchRemote(ctx context.Context, name, endpoint string, task *fetchcore.Task) *fetchcore.FetchResult {
	start := time.Now()
	if endpoint == "" {
		return r.notEnabledResult(task, name)
	}

	timer := r.metrics.NewTimer("fetch_time", map[string]string{"fetch_type": name})
	defer timer.Stop()

	payload, err := json.Marshal(task)
	if err != nil {
		return r.remoteErrorResult(task, start, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return r.remoteErrorResult(task, start, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	resp, err := r.client.Do(req)
	if err != nil {
		return r.remoteErrorResult(task, start, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 100<<20))
	if err != nil {
		return r.remoteErrorResult(task, start, err)
	}
	if len(body) == 0 {
		return r.remoteErrorResult(task, start, fmt.Errorf("no response body from %s proxy", name))
	}

	var result fetchcore.FetchResult
	if err := json.Unmarshal(body, &result); err != nil {
		return r.remoteErrorResult(task, start, fmt.Errorf("malformed response from %s proxy: %w", name, err))
	}

	if result.OK() && result.StatusCode >= 200 && result.StatusCode < 300 {
		r.metrics.Increment("fetch_success", 1, map[string]string{"fetch_type": name})
	} else {
		r.metrics.Increment("fetch_error_http", 1, map[string]string{"fetch_type": name})
	}
	return &result
}

func (r *Router) remoteErrorResult(task *fetchcore.Task, start time.Time, err error) *fetchcore.FetchResult {
	r.log.Error().Err(err).Str("url", task.URL).Msg("remote backend dispatch failed")
	return &fetchcore.FetchResult{
		StatusCode: fetchcore.StatusTransportFailure,
		URL:        task.URL,
		OrigURL:    task.URL,
		Cookies:    map[string]string{},
		Time:       time.Since(start).Seconds(),
		Error:      err.Error(),
	}
}

// splashLuaSource is the canonical Splash driver script attached to every
// splash-backend request: it navigates to the target URL, waits, and
// returns a structured response carrying url/cookies/headers/status_code/
// content back to the proxy's JSON reply.
const splashLuaSource = `
function main(splash, args)
    splash:init_cookies(args.cookies)
    assert(splash:go{
        url=args.url,
        headers=args.headers,
        http_method=args.method,
        body=args.body,
        timeout=args.timeout
    })
    assert(splash:wait(args.wait))

    local entries = splash:history()
    local last_entry = entries[#entries]
    local response = {
        url = splash:url(),
        cookies = splash:get_cookies(),
        headers = last_entry.response.headers,
        status_code = last_entry.response.status,
        content = splash:html()
    }
    return response
end
`

// withSplashLuaSource returns a shallow copy of task with fetch.lua_source
// set to the canonical driver script above, unconditionally overriding any
// caller-supplied value the same way the splash backend always attaches
// its own script rather than trusting one from the task.
func withSplashLuaSource(task *fetchcore.Task) *fetchcore.Task {
	clone := *task
	clone.Fetch.Extra = make(map[string]json.RawMessage, len(task.Fetch.Extra)+1)
	for k, v := range task.Fetch.Extra {
		clone.Fetch.Extra[k] = v
	}
	encoded, _ := json.Marshal(splashLuaSource)
	clone.Fetch.Extra["lua_source"] = encoded
	return &clone
}

// notEnabledResult mirrors puppeteer_fetch/splash_fetch's behavior when no
// endpoint is configured: a synthetic 501 result rather than an error.
func (r *Router) notEnabledResult(task *fetchcore.Task, name string) *fetchcore.FetchResult {
	r.log.Warn().Str("fetch_type", name).Str("url", task.URL).Msg("backend is not enabled")
	return &fetchcore.FetchResult{
		StatusCode: 501,
		URL:        task.URL,
		OrigURL:    task.URL,
		Content:    []byte(name + " is not enabled."),
		Cookies:    map[string]string{},
	}
}
