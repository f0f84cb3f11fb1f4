// Package fetchurl provides the canonical URL type fetchcore uses to
// canonicalize redirect locations and to group robots.txt metrics by site.
package fetchurl

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/purell"
	"golang.org/x/net/publicsuffix"
)

// URL wraps *url.URL with the normalization fetchcore applies to redirect
// locations. The transport engine parses redirect locations with Parse;
// its other URL handling, and the robots package's, uses net/url directly.
type URL struct {
	*url.URL
}

// Parse is the fetchcore equivalent of url.Parse.
func Parse(ref string) (*URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	return &URL{URL: u}, nil
}

// MustParse panics if ref cannot be parsed. Used in tests and for
// operator-supplied configuration known to be valid.
func MustParse(ref string) *URL {
	u, err := Parse(ref)
	if err != nil {
		panic("fetchurl: failed to parse " + ref + ": " + err.Error())
	}
	return u
}

// Normalize case-folds the scheme/host, strips the default port, and drops
// the fragment, in place. The transport engine applies it to every
// redirect location before following it.
func (u *URL) Normalize() {
	purell.NormalizeURL(u.URL, purell.FlagsSafe|purell.FlagRemoveFragment)
}

// Clone returns a copy of u safe to Normalize independently of the original.
func (u *URL) Clone() *URL {
	n := *u.URL
	if n.User != nil {
		user := *n.User
		n.User = &user
	}
	return &URL{URL: &n}
}

// ResolveReference returns the absolute URL obtained by resolving ref
// (typically a redirect Location header) against u.
func (u *URL) ResolveReference(ref *URL) *URL {
	return &URL{URL: u.URL.ResolveReference(ref.URL)}
}

// RegistrableDomain returns the eTLD+1 domain of u's host, e.g. "bbc.co.uk"
// for "www.bbc.co.uk". The robots cache uses it to tag its fetch metrics by
// site; it is never used as the cache key itself (see robots.Cache, which
// keys strictly by host since robots.txt is fetched per distinct host).
func (u *URL) RegistrableDomain() string {
	host := u.URL.Hostname()
	if host == "" {
		return ""
	}
	dom, err := publicsuffix.EffectiveTLDPlusOne(strings.ToLower(host))
	if err != nil {
		// Not a recognized public suffix (localhost, an IP literal): the
		// bare host is its own group.
		return host
	}
	return dom
}
