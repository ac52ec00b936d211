package worker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"paperlens/internal/logger"
)

func newTestDispatcher(t *testing.T, cfg DispatcherConfig) *Dispatcher {
	t.Helper()
	d := NewDispatcher(cfg, logger.Nop())
	t.Cleanup(d.Close)
	return d
}

func TestDispatcherRunsJobs(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{MinWorkers: 2, MaxWorkers: 2, QueueSize: 10})

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[string]bool{}
	for _, key := range []string{"a", "b", "c"} {
		key := key
		wg.Add(1)
		if err := d.Submit(key, func() {
			defer wg.Done()
			mu.Lock()
			seen[key] = true
			mu.Unlock()
		}); err != nil {
			t.Fatalf("submit %s: %v", key, err)
		}
	}
	waitGroupTimeout(t, &wg, time.Second)
	if len(seen) != 3 {
		t.Fatalf("expected 3 jobs to run, got %v", seen)
	}
}

func TestDispatcherJobOrder(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 10})

	var mu sync.Mutex
	order := make([]string, 0, 3)
	var wg sync.WaitGroup
	for _, label := range []string{"first", "second", "third"} {
		label := label
		wg.Add(1)
		if err := d.Submit("s1", func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	waitGroupTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("expected execution order [first second third], got %v", order)
	}
}

func TestDispatcherQueuesWhenWorkerBusy(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 10})

	block := make(chan struct{})
	started := make(chan struct{})
	done1 := make(chan struct{})
	done2 := make(chan struct{})

	if err := d.Submit("s1", func() {
		close(started)
		<-block
		close(done1)
	}); err != nil {
		t.Fatalf("submit first: %v", err)
	}
	if err := d.Submit("s1", func() { close(done2) }); err != nil {
		t.Fatalf("submit second: %v", err)
	}

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("first job did not start")
	}
	select {
	case <-done2:
		t.Fatalf("second job ran while the only worker was busy")
	case <-time.After(50 * time.Millisecond):
	}
	close(block)

	select {
	case <-done1:
	case <-time.After(time.Second):
		t.Fatalf("first job did not complete after unblocking")
	}
	select {
	case <-done2:
	case <-time.After(time.Second):
		t.Fatalf("second job did not complete after first")
	}
}

func TestDispatcherHighLoadAllowsOtherKeys(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{MinWorkers: 1, MaxWorkers: 3, QueueSize: 10})

	block := make(chan struct{})
	started := make(chan struct{})
	defer close(block)

	if err := d.Submit("slow", func() {
		close(started)
		<-block
	}); err != nil {
		t.Fatalf("submit slow: %v", err)
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("slow task did not start")
	}

	fastDone := make(chan struct{})
	if err := d.Submit("fast", func() { close(fastDone) }); err != nil {
		t.Fatalf("submit fast: %v", err)
	}
	select {
	case <-fastDone:
	case <-time.After(time.Second):
		t.Fatalf("fast key was starved by the slow one")
	}

	running, _ := d.Stats()
	if running < 2 {
		t.Fatalf("expected pool to grow, running=%d", running)
	}
}

func TestDispatcherBusyWhenQueueFull(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 1})

	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	if err := d.Submit("a", func() {
		close(started)
		<-block
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started

	var busy error
	for i := 0; i < 10 && busy == nil; i++ {
		busy = d.Submit("b", func() { <-block })
	}
	if !errors.Is(busy, ErrDispatcherBusy) {
		t.Fatalf("expected ErrDispatcherBusy, got %v", busy)
	}
}

func TestPoolRetiresIdleWorkers(t *testing.T) {
	p := newJobChannelPool(1, 3, 20*time.Millisecond, logger.Nop())
	defer p.close()
	for i := 0; i < 3; i++ {
		p.spawnWorker()
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		running, _ := p.stats()
		if running == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	running, _ := p.stats()
	t.Fatalf("expected idle workers to shrink to min, running=%d", running)
}

func TestSubmitAfterClose(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 1}, logger.Nop())
	d.Close()
	if err := d.Submit("a", func() {}); err == nil {
		t.Fatalf("expected error after close")
	}
}

func TestPanickingJobKeepsWorker(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4})

	if err := d.Submit("a", func() { panic("boom") }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := make(chan struct{})
	if err := d.Submit("a", func() { close(done) }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("worker did not survive a panicking job")
	}
}

func waitGroupTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
	case <-time.After(d):
		t.Fatalf("jobs did not finish within %s", d)
	}
}
