// Package fetchcore implements the distributed fetching core of a
// general-purpose web crawler framework: the asynchronous request engine,
// multi-backend dispatch, adaptive connection-pool sizing, memory
// governance, robots.txt enforcement, and the RPC bridge that exposes
// synchronous fetches to non-cooperative callers.
//
// fetchcore does not parse or transform response bodies, persist results,
// interpret scripts, or schedule work beyond immediate admission control.
package fetchcore

import "encoding/json"

// FetchType selects which backend handles a Task.
type FetchType string

// Recognized backends. FetchTypeJS and FetchTypePhantomJS are accepted on
// input and transparently rewritten to FetchTypePuppeteer by the backend
// router, with a one-time deprecation log per process.
const (
	FetchTypeHTTP        FetchType = "http"
	FetchTypePuppeteer   FetchType = "puppeteer"
	FetchTypePlaywright  FetchType = "playwright"
	FetchTypePyPlaywright FetchType = "py_playwright"
	FetchTypeSplash      FetchType = "splash"
	FetchTypeJS          FetchType = "js"
	FetchTypePhantomJS   FetchType = "phantomjs"
)

// FetchConfig is the `fetch` sub-object of a Task: everything that governs
// how a single request is made. The fields below are the recognized set;
// any other input key is not decoded into them but kept verbatim in Extra
// (see UnmarshalJSON).
type FetchConfig struct {
	Method          string            `json:"method,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Cookies         map[string]string `json:"cookies,omitempty"`
	Data            json.RawMessage   `json:"data,omitempty"`
	Timeout         *float64          `json:"timeout,omitempty"`
	ConnectTimeout  *float64          `json:"connect_timeout,omitempty"`
	AllowRedirects  *bool             `json:"allow_redirects,omitempty"`
	MaxRedirects    *int              `json:"max_redirects,omitempty"`
	Proxy           string            `json:"proxy,omitempty"`
	UserAgent       string            `json:"user_agent,omitempty"`
	RobotsTxt       bool              `json:"robots_txt,omitempty"`
	Etag            string            `json:"etag,omitempty"`
	LastModified    string            `json:"last_modified,omitempty"`
	FetchType       FetchType         `json:"fetch_type,omitempty"`
	Save            json.RawMessage   `json:"save,omitempty"`
	ValidateCert    *bool             `json:"validate_cert,omitempty"`

	// Splash, puppeteer, playwright and py_playwright all accept
	// additional backend-specific keys (e.g. splash's "lua_source"
	// override, puppeteer's "js_script_text"). They are not interpreted
	// by fetchcore: they are carried through verbatim so the remote proxy
	// can read them. Populated by UnmarshalJSON and merged back in by
	// MarshalJSON; the json:"-" tag only stops the default encoder from
	// trying (and failing) to place it under an "Extra" key of its own.
	Extra map[string]json.RawMessage `json:"-"`
}

// fetchConfigKeys lists every FetchConfig field's JSON key, used to split
// a raw object's keys into the recognized fields versus Extra.
var fetchConfigKeys = map[string]bool{
	"method": true, "headers": true, "cookies": true, "data": true,
	"timeout": true, "connect_timeout": true, "allow_redirects": true,
	"max_redirects": true, "proxy": true, "user_agent": true,
	"robots_txt": true, "etag": true, "last_modified": true,
	"fetch_type": true, "save": true, "validate_cert": true,
}

// fetchConfigAlias has FetchConfig's fields but none of its methods,
// breaking the recursion that a plain json.Marshal(FetchConfig(f)) call
// would otherwise hit.
type fetchConfigAlias FetchConfig

// UnmarshalJSON decodes the recognized fields normally, then captures any
// remaining keys (backend-specific overrides fetchcore does not interpret)
// into Extra.
func (f *FetchConfig) UnmarshalJSON(data []byte) error {
	var alias fetchConfigAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*f = FetchConfig(alias)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range fetchConfigKeys {
		delete(raw, key)
	}
	if len(raw) > 0 {
		f.Extra = raw
	} else {
		f.Extra = nil
	}
	return nil
}

// MarshalJSON encodes the recognized fields normally, then merges Extra's
// keys back in so backend-specific overrides round-trip.
func (f FetchConfig) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(fetchConfigAlias(f))
	if err != nil {
		return nil, err
	}
	if len(f.Extra) == 0 {
		return data, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range f.Extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// TrackHeaders carries the subset of a prior response's headers the
// transport engine consults to build conditional-request headers.
type TrackHeaders struct {
	Etag         string `json:"etag,omitempty"`
	LastModified string `json:"last-modified,omitempty"`
}

// TrackFetch is the `track.fetch` sub-object of a Task.
type TrackFetch struct {
	Headers TrackHeaders `json:"headers,omitempty"`
}

// TrackProcess is the `track.process` sub-object of a Task: whether the
// prior attempt was considered successful by the processor.
type TrackProcess struct {
	OK bool `json:"ok,omitempty"`
}

// Track optionally carries prior-attempt metadata used to build conditional
// GET headers on the current attempt.
type Track struct {
	Fetch   TrackFetch   `json:"fetch,omitempty"`
	Process TrackProcess `json:"process,omitempty"`
}

// Task is the unit of work submitted to the fetcher, either over the
// in-process input queue or via the fetch RPC method.
type Task struct {
	TaskID  string      `json:"taskid"`
	Project string      `json:"project"`
	URL     string      `json:"url"`
	Fetch   FetchConfig `json:"fetch"`
	Track   *Track      `json:"track,omitempty"`
}
