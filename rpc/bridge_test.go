package rpc

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/cobweb-crawl/fetchcore"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	lastTask *fetchcore.Task
	result   *fetchcore.FetchResult
	size     int
	counters map[string]float64
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, task *fetchcore.Task) *fetchcore.FetchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTask = task
	return f.result
}

func (f *fakeDispatcher) Size() int {
	return f.size
}

func (f *fakeDispatcher) Counter(window, typ string) float64 {
	return f.counters[window+":"+typ]
}

func newTestBridge(d *fakeDispatcher, quit func()) *Bridge {
	if quit == nil {
		quit = func() {}
	}
	return NewBridge("127.0.0.1:0", d, quit, zerolog.Nop())
}

func TestFetchControllerDispatchesAndPacksResult(t *testing.T) {
	task := &fetchcore.Task{TaskID: "t1", URL: "http://example.com/"}
	d := &fakeDispatcher{result: &fetchcore.FetchResult{StatusCode: 200, Content: []byte("ok"), Cookies: map[string]string{}}}
	bridge := newTestBridge(d, nil)

	payload, err := packTask(task)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/fetch", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	bridge.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	got, err := unpackResult(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 200, got.StatusCode)
	assert.Equal(t, "t1", d.lastTask.TaskID)
}

func TestFetchControllerRejectsMalformedBody(t *testing.T) {
	d := &fakeDispatcher{}
	bridge := newTestBridge(d, nil)

	req := httptest.NewRequest(http.MethodPost, "/fetch", bytes.NewReader([]byte{0xff, 0xff}))
	rec := httptest.NewRecorder()
	bridge.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSizeController(t *testing.T) {
	d := &fakeDispatcher{size: 7}
	bridge := newTestBridge(d, nil)

	req := httptest.NewRequest(http.MethodGet, "/size", nil)
	rec := httptest.NewRecorder()
	bridge.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "7", rec.Body.String())
}

func TestCounterController(t *testing.T) {
	d := &fakeDispatcher{counters: map[string]float64{"5m:success": 42}}
	bridge := newTestBridge(d, nil)

	req := httptest.NewRequest(http.MethodGet, "/counter/5m/success", nil)
	rec := httptest.NewRecorder()
	bridge.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var snap counterSnapshot
	require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "5m", snap.Window)
	assert.Equal(t, "success", snap.Type)
	assert.Equal(t, float64(42), snap.Value)
}

func TestQuitControllerInvokesQuitAsynchronously(t *testing.T) {
	called := make(chan struct{})
	d := &fakeDispatcher{}
	bridge := newTestBridge(d, func() { close(called) })

	req := httptest.NewRequest(http.MethodPost, "/_quit", nil)
	rec := httptest.NewRecorder()
	bridge.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	<-called
}
