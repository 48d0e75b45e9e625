package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"grimm.is/tunnelboard/internal/logging"
)

// ErrSerializerClosed is returned by Run after Close.
var ErrSerializerClosed = errors.New("mutation serializer closed")

const (
	jobQueued int32 = iota
	jobStarted
	jobAbandoned
)

type job struct {
	ctx   context.Context
	fn    func(context.Context) error
	state atomic.Int32
	done  chan error
}

// Serializer runs tasks one at a time in arrival order on a single worker
// goroutine. Tasks must not call Run themselves.
type Serializer struct {
	jobs    chan *job
	mu      sync.RWMutex // guards closed and sends on jobs
	closed  bool
	stopped chan struct{}
	logger  *logging.Logger
}

// NewSerializer starts the worker.
func NewSerializer(logger *logging.Logger) *Serializer {
	if logger == nil {
		logger = logging.WithComponent("lifecycle")
	}
	s := &Serializer{
		jobs:    make(chan *job, 64),
		stopped: make(chan struct{}),
		logger:  logger,
	}
	go s.loop()
	return s
}

// Run queues task and waits for its result. If ctx ends while the task is
// still queued the task is skipped and ctx.Err() is returned. A started task
// runs to completion with a context that is never cancelled.
func (s *Serializer) Run(ctx context.Context, task func(context.Context) error) error {
	j := &job{ctx: ctx, fn: task, done: make(chan error, 1)}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrSerializerClosed
	}
	select {
	case s.jobs <- j:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		if j.state.CompareAndSwap(jobQueued, jobAbandoned) {
			return ctx.Err()
		}
		return <-j.done
	}
}

// Close drains queued tasks and stops the worker. Later calls to Run return
// ErrSerializerClosed.
func (s *Serializer) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.jobs)
	}
	s.mu.Unlock()
	<-s.stopped
}

func (s *Serializer) loop() {
	defer close(s.stopped)
	for j := range s.jobs {
		if !j.state.CompareAndSwap(jobQueued, jobStarted) {
			continue
		}
		if err := j.ctx.Err(); err != nil {
			j.done <- err
			continue
		}
		j.done <- s.exec(j)
	}
}

func (s *Serializer) exec(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("mutation panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("mutation panicked: %v", r)
		}
	}()
	return j.fn(context.WithoutCancel(j.ctx))
}
