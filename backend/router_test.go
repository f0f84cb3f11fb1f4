package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobweb-crawl/fetchcore"
	"github.com/cobweb-crawl/fetchcore/metrics"
	"github.com/cobweb-crawl/fetchcore/pool"
	"github.com/cobweb-crawl/fetchcore/robots"
	"github.com/cobweb-crawl/fetchcore/transport"
)

func testRouter(t *testing.T, endpoints Endpoints) *Router {
	t.Helper()
	reg := metrics.New(zerolog.Nop(), time.Hour)
	popt := pool.New(1, 10, 5, time.Hour, 1.5, 0.3, reg, zerolog.Nop())
	engine, err := transport.New(fetchcore.FetchDefaults{Method: "GET", Timeout: 5, UserAgent: "fetchcore-test", MaxRedirects: 5}, popt, 1000, nil, reg, zerolog.Nop())
	require.NoError(t, err)
	return New(engine, endpoints, nil, reg, zerolog.Nop())
}

func TestDispatchDefaultsToHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hi"))
	}))
	defer srv.Close()

	router := testRouter(t, Endpoints{})
	result := router.Dispatch(context.Background(), &fetchcore.Task{URL: srv.URL})

	assert.Equal(t, 200, result.StatusCode)
	assert.Equal(t, "hi", string(result.Content))
}

func TestDispatchPuppeteerNotEnabled(t *testing.T) {
	router := testRouter(t, Endpoints{})
	task := &fetchcore.Task{URL: "http://example.com", Fetch: fetchcore.FetchConfig{FetchType: fetchcore.FetchTypePuppeteer}}

	result := router.Dispatch(context.Background(), task)

	assert.Equal(t, 501, result.StatusCode)
}

func TestDispatchSplashActuallyDispatches(t *testing.T) {
	var received fetchcore.Task
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		resp := fetchcore.FetchResult{StatusCode: 200, URL: received.URL, OrigURL: received.URL, Content: []byte("splashed")}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	router := testRouter(t, Endpoints{Splash: srv.URL})
	task := &fetchcore.Task{URL: "http://example.com", Fetch: fetchcore.FetchConfig{FetchType: fetchcore.FetchTypeSplash}}

	result := router.Dispatch(context.Background(), task)

	assert.Equal(t, 200, result.StatusCode)
	assert.Equal(t, "splashed", string(result.Content))

	require.Contains(t, received.Fetch.Extra, "lua_source")
	var luaSource string
	require.NoError(t, json.Unmarshal(received.Fetch.Extra["lua_source"], &luaSource))
	assert.Contains(t, luaSource, "function main(splash, args)")
	assert.Contains(t, luaSource, "splash:go{")
}

func TestDispatchSplashOverridesCallerSuppliedLuaSource(t *testing.T) {
	var received fetchcore.Task
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		json.NewEncoder(w).Encode(fetchcore.FetchResult{StatusCode: 200})
	}))
	defer srv.Close()

	router := testRouter(t, Endpoints{Splash: srv.URL})
	task := &fetchcore.Task{
		URL: "http://example.com",
		Fetch: fetchcore.FetchConfig{
			FetchType: fetchcore.FetchTypeSplash,
			Extra:     map[string]json.RawMessage{"lua_source": json.RawMessage(`"custom script"`)},
		},
	}

	router.Dispatch(context.Background(), task)

	var luaSource string
	require.NoError(t, json.Unmarshal(received.Fetch.Extra["lua_source"], &luaSource))
	assert.Contains(t, luaSource, "function main(splash, args)")
}

func TestDispatchJSRewritesToPuppeteerDeprecationPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := fetchcore.FetchResult{StatusCode: 200, Content: []byte("via puppeteer")}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	router := testRouter(t, Endpoints{Puppeteer: srv.URL})
	task := &fetchcore.Task{URL: "http://example.com", Fetch: fetchcore.FetchConfig{FetchType: fetchcore.FetchTypeJS}}

	result := router.Dispatch(context.Background(), task)

	assert.Equal(t, 200, result.StatusCode)
	assert.Equal(t, "via puppeteer", string(result.Content))
}

func TestDispatchHonorsRobotsDenial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.Write([]byte("User-agent: *\nDisallow: /\n"))
			return
		}
		w.Write([]byte("should not be reached"))
	}))
	defer srv.Close()

	reg := metrics.New(zerolog.Nop(), time.Hour)
	popt := pool.New(1, 10, 5, time.Hour, 1.5, 0.3, reg, zerolog.Nop())
	engine, err := transport.New(fetchcore.FetchDefaults{Method: "GET", Timeout: 5, UserAgent: "fetchcore-test", MaxRedirects: 5}, popt, 1000, nil, reg, zerolog.Nop())
	require.NoError(t, err)
	cache, err := robots.New(engine, 100, 3600, reg, zerolog.Nop(), func() int64 { return 0 })
	require.NoError(t, err)
	router := New(engine, Endpoints{}, cache, reg, zerolog.Nop())

	task := &fetchcore.Task{URL: srv.URL, Fetch: fetchcore.FetchConfig{RobotsTxt: true}}
	result := router.Dispatch(context.Background(), task)

	assert.Equal(t, 403, result.StatusCode)
	assert.Equal(t, "Disallowed by robots.txt", result.Error)
}

func TestDispatchRemoteTransportFailure(t *testing.T) {
	router := testRouter(t, Endpoints{Puppeteer: "http://127.0.0.1:1"})
	task := &fetchcore.Task{URL: "http://example.com", Fetch: fetchcore.FetchConfig{FetchType: fetchcore.FetchTypePuppeteer}}

	result := router.Dispatch(context.Background(), task)

	assert.False(t, result.OK())
	assert.Equal(t, fetchcore.StatusTransportFailure, result.StatusCode)
}
