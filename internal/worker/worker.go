package worker

import (
	"github.com/rs/zerolog"
)

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
	logger     zerolog.Logger
}

func NewWorker(id int, pool *jobChannelPool, logger zerolog.Logger) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
		logger:     logger,
	}
}

func (w *Worker) Start() {
	go func() {
		for {
			w.pool.Release(w.jobChannel)
			job := <-w.jobChannel
			if job.Type == Stop {
				w.pool.retire(w.jobChannel)
				return
			}
			w.execute(job)
		}
	}()
}

func (w *Worker) execute(job Job) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Int("worker", w.id).Str("key", job.Key).Interface("panic", r).Msg("job panicked")
		}
	}()
	if job.Fn != nil {
		job.Fn()
	}
}
