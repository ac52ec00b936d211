package worker

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrDispatcherBusy is returned when the submission queue is full.
var ErrDispatcherBusy = errors.New("dispatcher busy, try again later")

type JobType string

const (
	Run  JobType = "run"
	Stop JobType = "stop"
)

// Job is one unit of work. Jobs sharing a Key start in submission order.
type Job struct {
	Type JobType
	Key  string
	Fn   func()
}

type DispatcherConfig struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

type keyQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher spreads jobs over an elastic worker pool, rotating fairly
// between keys so one busy key cannot starve the rest.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // entry point for outer jobs
	logger   zerolog.Logger

	mu        sync.Mutex
	queues    map[string]*keyQueue
	ready     *list.List // round-robin order of keys with pending jobs
	positions map[string]*list.Element

	quit      chan struct{}
	closeOnce sync.Once
}

func NewDispatcher(cfg DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	logger = logger.With().Str("component", "dispatcher").Logger()
	pool := newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, logger)

	d := &Dispatcher{
		pool:      pool,
		JobQueue:  make(chan Job, cfg.QueueSize),
		logger:    logger,
		queues:    make(map[string]*keyQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		quit:      make(chan struct{}),
	}

	// warm up
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues fn under key without blocking.
func (d *Dispatcher) Submit(key string, fn func()) error {
	select {
	case <-d.quit:
		return errors.New("dispatcher closed")
	default:
	}
	select {
	case d.JobQueue <- Job{Type: Run, Key: key, Fn: fn}:
		return nil
	default:
		d.logger.Warn().Str("key", key).Msg("job queue full")
		return ErrDispatcherBusy
	}
}

// Stats reports live and idle worker counts.
func (d *Dispatcher) Stats() (running, idle int) {
	return d.pool.stats()
}

// Close stops dispatching and retires idle workers. Jobs already handed to a
// worker finish normally.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.quit)
		d.pool.close()
	})
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of the key at the front of the ring
		if !d.dispatchOne() {
			select {
			case job := <-d.JobQueue: // wait for work
				d.enqueueJob(job)
			case <-d.quit:
				return
			}
			continue
		}
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		case <-d.quit:
			return
		default:
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.Key]
	if q == nil {
		q = &keyQueue{}
		d.queues[job.Key] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.Key] = d.ready.PushBack(job.Key)
}

// dispatchOne hands the next job of the front key to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		// nothing left for this key, leave the ring
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, key)
		delete(d.queues, key)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	if workerChan == nil {
		d.logger.Warn().Str("key", key).Msg("pool closed, dropping job")
		return false
	}
	d.logger.Debug().Str("key", key).Int("worker", d.pool.workerID(workerChan)).Msg("assign job")
	workerChan <- job
	return true
}
