// Package rpc exposes the service shell's synchronous fetch/size/counter/
// quit surface over HTTP, using github.com/gorilla/mux for routing and
// github.com/vmihailenco/msgpack/v5 as the compact binary codec for the
// fetch method's Task/FetchResult payloads.
package rpc

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/cobweb-crawl/fetchcore"
)

// packTask serializes a Task to msgpack for the fetch RPC's request body.
func packTask(task *fetchcore.Task) ([]byte, error) {
	return msgpack.Marshal(task)
}

// unpackTask deserializes a Task from the fetch RPC's request body.
func unpackTask(data []byte) (*fetchcore.Task, error) {
	var task fetchcore.Task
	if err := msgpack.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// packResult serializes a FetchResult to msgpack for the fetch RPC's
// response body.
func packResult(result *fetchcore.FetchResult) ([]byte, error) {
	return msgpack.Marshal(result)
}

// unpackResult deserializes a FetchResult, used by rpc's own test client
// and by any Go caller of the fetch RPC.
func unpackResult(data []byte) (*fetchcore.FetchResult, error) {
	var result fetchcore.FetchResult
	if err := msgpack.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// counterSnapshot is the object shape returned by the counter(window,
// type) RPC.
type counterSnapshot struct {
	Window string  `msgpack:"window" json:"window"`
	Type   string  `msgpack:"type" json:"type"`
	Value  float64 `msgpack:"value" json:"value"`
}

func packCounter(c counterSnapshot) ([]byte, error) {
	return msgpack.Marshal(c)
}
