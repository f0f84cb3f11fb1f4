package fetchcore

import "net/http"

// FetchResult is the uniform response envelope produced by every fetch
// path. Exactly one FetchResult is produced per Task; no error ever
// escapes as a Go panic or exception to the caller — failures are encoded
// as a FetchResult with StatusCode 599 (or the preserved HTTP status where
// meaningful) and a non-empty Error.
type FetchResult struct {
	StatusCode int         `json:"status_code"`
	URL        string      `json:"url"`
	OrigURL    string      `json:"orig_url"`
	Content    []byte      `json:"content"`
	Headers    http.Header `json:"headers"`
	Cookies    map[string]string `json:"cookies"`
	Time       float64     `json:"time"`
	Save       interface{} `json:"save,omitempty"`
	Error      string      `json:"error,omitempty"`
	Traceback  string      `json:"traceback,omitempty"`
}

// StatusTransportFailure is the status code reserved for transport-layer
// failures distinct from any upstream HTTP response (connect errors, DNS
// failures, timeouts, redirect-budget exhaustion, and so on).
const StatusTransportFailure = 599

// OK reports whether the result represents a completed HTTP exchange,
// successful or not, as opposed to a transport-layer failure.
func (r *FetchResult) OK() bool {
	return r.StatusCode != StatusTransportFailure
}
