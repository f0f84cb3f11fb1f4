package rpc

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/cobweb-crawl/fetchcore"
)

// Dispatcher is the narrow slice of service.Shell the bridge depends on,
// kept as an interface so rpc never imports service (service already
// imports backend/transport/pool/robots; rpc stays a leaf package wired
// together by cmd/fetchcored).
type Dispatcher interface {
	Dispatch(ctx context.Context, task *fetchcore.Task) *fetchcore.FetchResult
	Size() int
	Counter(window, typ string) float64
}

// Route is a path paired with the http.HandlerFunc that serves it,
// registered onto a gorilla/mux Router.
type Route struct {
	Method     string
	Path       string
	Controller http.HandlerFunc
}

// Bridge is the inbound RPC surface: fetch/size/counter/_quit over plain
// HTTP, modeled on xmlrpc_run's own umsgpack wire format. fetch (POST)
// takes a msgpack-packed Task and returns a msgpack-packed FetchResult,
// and counter (GET) returns a msgpack-packed snapshot. size (GET) answers
// with a plain-text integer and _quit (POST) with an empty 200; size and
// counter are not routed for POST.
type Bridge struct {
	dispatcher Dispatcher
	quit       func()
	log        zerolog.Logger
	router     *mux.Router
	server     *http.Server
}

// NewBridge builds a Bridge bound to addr. quit is invoked (from the
// _quit handler's own goroutine, so the response can still be written)
// to begin the service shell's graceful drain.
func NewBridge(addr string, dispatcher Dispatcher, quit func(), log zerolog.Logger) *Bridge {
	b := &Bridge{
		dispatcher: dispatcher,
		quit:       quit,
		log:        log.With().Str("component", "rpc").Logger(),
	}
	b.router = mux.NewRouter()
	for _, route := range b.Routes() {
		b.router.HandleFunc(route.Path, route.Controller).Methods(route.Method)
	}
	b.server = &http.Server{
		Addr:         addr,
		Handler:      b.router,
		ReadTimeout:  150 * time.Second,
		WriteTimeout: 150 * time.Second,
	}
	return b
}

// Routes returns the bridge's method table as Route{Path, Controller}
// entries.
func (b *Bridge) Routes() []Route {
	return []Route{
		{Method: http.MethodPost, Path: "/fetch", Controller: b.fetchController},
		{Method: http.MethodGet, Path: "/size", Controller: b.sizeController},
		{Method: http.MethodGet, Path: "/counter/{window}/{type}", Controller: b.counterController},
		{Method: http.MethodPost, Path: "/_quit", Controller: b.quitController},
	}
}

// ListenAndServe starts the bridge's HTTP server; it blocks until the
// server stops (Shutdown is called or it fails to bind).
func (b *Bridge) ListenAndServe() error {
	b.log.Info().Str("addr", b.server.Addr).Msg("rpc bridge listening")
	err := b.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (b *Bridge) Shutdown(ctx context.Context) error {
	return b.server.Shutdown(ctx)
}

func (b *Bridge) fetchController(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, 100<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	task, err := unpackTask(body)
	if err != nil {
		b.log.Error().Err(err).Msg("fetch: malformed task payload")
		http.Error(w, "malformed task payload", http.StatusBadRequest)
		return
	}

	result := b.dispatcher.Dispatch(req.Context(), task)

	packed, err := packResult(result)
	if err != nil {
		b.log.Error().Err(err).Msg("fetch: failed to pack result")
		http.Error(w, "failed to pack result", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/msgpack")
	w.Write(packed)
}

func (b *Bridge) sizeController(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(strconv.Itoa(b.dispatcher.Size())))
}

func (b *Bridge) counterController(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	window := vars["window"]
	typ := vars["type"]

	value := b.dispatcher.Counter(window, typ)
	packed, err := packCounter(counterSnapshot{Window: window, Type: typ, Value: value})
	if err != nil {
		b.log.Error().Err(err).Msg("counter: failed to pack snapshot")
		http.Error(w, "failed to pack counter snapshot", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/msgpack")
	w.Write(packed)
}

// quitController acknowledges the request immediately and triggers the
// shell's drain-then-stop sequence on a separate goroutine, so the RPC
// caller is not left waiting for in-flight fetches to finish.
func (b *Bridge) quitController(w http.ResponseWriter, req *http.Request) {
	b.log.Info().Msg("_quit received, draining")
	go b.quit()
	w.WriteHeader(http.StatusOK)
}
