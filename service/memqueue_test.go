package service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cobweb-crawl/fetchcore"
)

func TestMemoryQueuePopReturnsErrQueueEmptyWhenDrained(t *testing.T) {
	q := NewMemoryQueue(2)
	_, err := q.Pop()
	assert.True(t, errors.Is(err, ErrQueueEmpty))
}

func TestMemoryQueueSubmitThenPop(t *testing.T) {
	q := NewMemoryQueue(2)
	task := &fetchcore.Task{TaskID: "1"}
	q.Submit(task)

	got, err := q.Pop()
	assert.NoError(t, err)
	assert.Equal(t, task, got)
}

func TestMemoryQueueFullReportsCapacity(t *testing.T) {
	q := NewMemoryQueue(1)
	assert.False(t, q.Full())
	q.Push(&fetchcore.Task{}, &fetchcore.FetchResult{})
	assert.True(t, q.Full())
	result := <-q.Results()
	assert.NotNil(t, result.Result)
}
