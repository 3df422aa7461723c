package catalog

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// 异步操作的结果
type Result uint8

const (
	Success Result = iota
	DiskFailure
	Error
	ServerShutdown
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case DiskFailure:
		return "disk failure"
	case Error:
		return "error"
	default:
		return "server shutdown"
	}
}

var (
	ErrDiskFailure = errors.New("catalog: disk failure")
	ErrOpFailed    = errors.New("catalog: operation failed")
	ErrShutdown    = errors.New("catalog: server shutdown")
)

// 计数式的完成触发器. 每登记一个待完成操作调用一次 WaitForOneMore，
// 每个操作完成时回调一次 Callback，计数归零后 Wait 返回.
// 多个操作中只要有一个失败，Wait 返回第一个失败的结果
type CompletionTrigger struct {
	mu      sync.Mutex
	pending int
	result  Result
	err     error
	done    chan struct{}
}

func NewCompletionTrigger() *CompletionTrigger {
	t := CompletionTrigger{done: make(chan struct{})}
	close(t.done)
	return &t
}

func (t *CompletionTrigger) WaitForOneMore() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == 0 {
		// 新的一轮
		t.done = make(chan struct{})
		t.result, t.err = Success, nil
	}
	t.pending++
}

func (t *CompletionTrigger) Callback(result Result, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == 0 {
		return
	}
	if result != Success && t.result == Success {
		t.result, t.err = result, err
	}
	t.pending--
	if t.pending == 0 {
		close(t.done)
	}
}

// 阻塞直到所有登记的操作完成，或 ctx 结束
func (t *CompletionTrigger) Wait(ctx context.Context) error {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending > 0 {
		// 等待期间又登记了新的操作，只汇报已经完成的这一轮
		return nil
	}
	return t.errLocked()
}

func (t *CompletionTrigger) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

func (t *CompletionTrigger) errLocked() error {
	var sentinel error
	switch t.result {
	case Success:
		return nil
	case DiskFailure:
		sentinel = ErrDiskFailure
	case ServerShutdown:
		sentinel = ErrShutdown
	default:
		sentinel = ErrOpFailed
	}
	if t.err == nil {
		return sentinel
	}
	return errors.Mark(t.err, sentinel)
}
