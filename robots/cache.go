// Package robots fetches and caches robots.txt for the hosts a crawl
// visits, with TTL-based staleness and an allow-all fallback on fetch or
// parse failure.
//
// Unlike a bare in-process map keyed by host that never evicts, Cache is
// bounded by an LRU so long crawls over many distinct hosts cannot grow it
// without limit; eviction and TTL expiry are separate concerns (TTL is
// re-checked on every lookup, the sweep only prunes entries that have
// gone stale to bound memory between lookups).
package robots

import (
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"github.com/temoto/robotstxt"

	"github.com/cobweb-crawl/fetchcore/fetchurl"
	"github.com/cobweb-crawl/fetchcore/metrics"
)

// entry is a cached robots.txt parse result for one host.
type entry struct {
	group *robotstxt.RobotsData
	fetchedAt int64 // unix seconds, as returned by the Cache's now function
}

// Fetcher retrieves the raw bytes of a host's /robots.txt over the given
// scheme ("http" or "https"). It is satisfied by the transport engine;
// Cache depends only on this narrow interface to avoid an import cycle
// between robots and transport.
type Fetcher interface {
	FetchRobotsTxt(scheme, host string) (statusCode int, body []byte, err error)
}

// Cache is a TTL-bounded, LRU-evicted robots.txt cache. The zero value is
// not usable; construct with New.
type Cache struct {
	fetcher Fetcher
	ttl     int64 // seconds
	metrics *metrics.Registry
	log     zerolog.Logger
	now     func() int64

	lru *lru.Cache
}

// New builds a Cache bounded to maxEntries hosts, each entry considered
// stale after ttlSeconds.
func New(fetcher Fetcher, maxEntries int, ttlSeconds int64, reg *metrics.Registry, log zerolog.Logger, now func() int64) (*Cache, error) {
	l, err := lru.New(maxEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{
		fetcher: fetcher,
		ttl:     ttlSeconds,
		metrics: reg,
		log:     log.With().Str("component", "robots").Logger(),
		now:     now,
		lru:     l,
	}, nil
}

// Allowed reports whether userAgent may fetch rawURL under host's
// robots.txt, retrieved over scheme ("http" or "https", matching the
// target URL so an https:// target's robots.txt is not fetched in the
// clear). A host whose robots.txt cannot be fetched or parsed is treated
// as allow-all (an empty ruleset permits everything).
func (c *Cache) Allowed(scheme, host, userAgent, rawURL string) bool {
	path := rawURL
	if parsed, err := url.Parse(rawURL); err == nil {
		path = parsed.RequestURI()
	}
	g := c.get(scheme, host)
	return g.TestAgent(path, userAgent)
}

// CrawlDelay returns the crawl-delay directive for userAgent on host, or 0
// if none is specified.
func (c *Cache) CrawlDelay(scheme, host, userAgent string) time.Duration {
	g := c.get(scheme, host)
	group := g.FindGroup(userAgent)
	if group == nil {
		return 0
	}
	return group.CrawlDelay
}

func (c *Cache) get(scheme, host string) *robotstxt.RobotsData {
	if v, ok := c.lru.Get(host); ok {
		e := v.(*entry)
		if c.now()-e.fetchedAt <= c.ttl {
			return e.group
		}
	}

	g := c.fetch(scheme, host)
	c.lru.Add(host, &entry{group: g, fetchedAt: c.now()})
	return g
}

// domainTag groups per-host robots metrics by registrable domain
// (e.g. "www.example.com" and "static.example.com" both tag as
// "example.com"), so an operator's dashboard isn't one row per subdomain
// on large crawls. The cache itself still keys strictly by host: grouping
// is a metrics-only concern (fetchurl.URL.RegistrableDomain's own doc
// comment).
func domainTag(host string) map[string]string {
	u := &fetchurl.URL{URL: &url.URL{Host: host}}
	return map[string]string{"domain": u.RegistrableDomain()}
}

func (c *Cache) fetch(scheme, host string) *robotstxt.RobotsData {
	tag := domainTag(host)
	statusCode, body, err := c.fetcher.FetchRobotsTxt(scheme, host)
	if err != nil || statusCode < 200 || statusCode >= 300 {
		if err != nil {
			c.log.Debug().Err(err).Str("host", host).Msg("failed to fetch robots.txt, assuming allow-all")
		} else {
			c.log.Debug().Int("status", statusCode).Str("host", host).Msg("non-2xx fetching robots.txt, assuming allow-all")
		}
		c.metrics.Increment("robots_fetch_error", 1, tag)
		return allowAll()
	}

	g, err := robotstxt.FromBytes(body)
	if err != nil {
		c.log.Debug().Err(err).Str("host", host).Msg("failed to parse robots.txt, assuming allow-all")
		c.metrics.Increment("robots_parse_error", 1, tag)
		return allowAll()
	}
	c.metrics.Increment("robots_fetch_success", 1, tag)
	return g
}

func allowAll() *robotstxt.RobotsData {
	g, _ := robotstxt.FromBytes([]byte("User-agent: *\n"))
	return g
}

// Sweep removes every cached entry older than the TTL, bounding memory use
// between lookups on long-running crawls. It mirrors
// clear_robot_txt_cache's behavior of dropping (not refreshing) stale
// entries; the next Allowed call for that host simply refetches.
func (c *Cache) Sweep() int {
	removed := 0
	for _, host := range c.lru.Keys() {
		v, ok := c.lru.Peek(host)
		if !ok {
			continue
		}
		e := v.(*entry)
		if c.now()-e.fetchedAt > c.ttl {
			c.lru.Remove(host)
			removed++
		}
	}
	if removed > 0 {
		c.metrics.Increment("robots_cache_swept", int64(removed), nil)
	}
	return removed
}

// Len reports the number of hosts currently cached.
func (c *Cache) Len() int {
	return c.lru.Len()
}
