package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const defaultPollInterval = 20 * time.Millisecond

// Event names sent to streaming clients. An empty name is a bare data chunk.
const (
	EventData   = ""
	EventStatus = "status"
	EventError  = "error"
	EventDone   = "done"
)

// Event is one server-sent event.
type Event struct {
	Name string
	Data string
}

// Producer generates chunks until done, calling emit for each one in order.
// It must return promptly once ctx is cancelled.
type Producer func(ctx context.Context, emit func(chunk string)) error

// Submitter runs fn on a background worker. worker.Dispatcher satisfies it.
type Submitter interface {
	Submit(key string, fn func()) error
}

// Bridge runs blocking producers off the request goroutine and hands their
// chunks back to the caller in order.
type Bridge struct {
	submitter    Submitter
	pollInterval time.Duration
	logger       zerolog.Logger
}

func NewBridge(submitter Submitter, pollInterval time.Duration, logger zerolog.Logger) *Bridge {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Bridge{
		submitter:    submitter,
		pollInterval: pollInterval,
		logger:       logger.With().Str("component", "bridge").Logger(),
	}
}

// queue is an unbounded single-producer single-consumer buffer closed by a sentinel.
type queue struct {
	mu     sync.Mutex
	items  []string
	closed bool
	err    error
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(chunk string) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, chunk)
	q.mu.Unlock()
	q.signal()
}

// close pushes the sentinel; only the first call counts.
func (q *queue) close(err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.err = err
	q.mu.Unlock()
	q.signal()
}

func (q *queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drain takes every pending chunk, and reports whether the sentinel was reached.
func (q *queue) drain() (items []string, closed bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items = q.items
	q.items = nil
	return items, q.closed, q.err
}

const (
	jobPending int32 = iota
	jobStarted
	jobAbandoned
)

// Run executes produce on the worker pool and passes each chunk to consume.
// It returns the producer's error, the consumer's error, or ctx's error.
// If ctx ends or consume fails, the producer is cancelled and Run waits for it
// to exit before returning.
func (b *Bridge) Run(ctx context.Context, key string, produce Producer, consume func(chunk string) error) error {
	prodCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	q := newQueue()
	finished := make(chan struct{})
	var state atomic.Int32

	job := func() {
		if !state.CompareAndSwap(jobPending, jobStarted) {
			return
		}
		defer close(finished)
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("producer panic: %v", r)
			}
			q.close(err)
		}()
		err = produce(prodCtx, q.push)
	}
	if err := b.submitter.Submit(key, job); err != nil {
		return err
	}

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	var runErr error
	for runErr == nil {
		items, closed, perr := q.drain()
		for _, chunk := range items {
			if err := consume(chunk); err != nil {
				runErr = err
				break
			}
		}
		if runErr != nil {
			break
		}
		if closed {
			<-finished
			return perr
		}
		select {
		case <-q.notify:
		case <-ticker.C:
		case <-ctx.Done():
			runErr = ctx.Err()
		}
	}

	cancel()
	if state.CompareAndSwap(jobPending, jobAbandoned) {
		b.logger.Debug().Str("key", key).Msg("producer abandoned before start")
		return runErr
	}
	<-finished
	_, _, perr := q.drain()
	if perr != nil && !errors.Is(perr, context.Canceled) {
		b.logger.Debug().Err(perr).Str("key", key).Msg("producer stopped with error after cancel")
	}
	return runErr
}
