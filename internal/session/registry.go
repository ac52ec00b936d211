package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"paperlens/internal/service/chat"
)

type entry struct {
	lock     chan struct{} // held while a request owns the session
	refs     int           // holders plus waiters, guarded by Registry.mu
	evicted  bool          // guarded by Registry.mu
	session  *chat.Session // guarded by lock
	lastUsed time.Time     // guarded by lock
}

// Registry keeps live chat sessions in memory and serializes access per id.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
	logger  zerolog.Logger
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
		logger:  logger.With().Str("component", "sessions").Logger(),
	}
}

// Handle is exclusive access to one session id until Release.
type Handle struct {
	registry *Registry
	id       string
	e        *entry
	released bool
}

// Acquire waits for exclusive access to id or for ctx to end.
func (r *Registry) Acquire(ctx context.Context, id string) (*Handle, error) {
	r.mu.Lock()
	e := r.entries[id]
	if e == nil {
		e = &entry{lock: make(chan struct{}, 1)}
		r.entries[id] = e
	}
	e.refs++
	r.mu.Unlock()

	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		r.unref(id, e)
		return nil, ctx.Err()
	}

	r.mu.Lock()
	if e.evicted {
		e.evicted = false
		e.session = nil
	}
	r.mu.Unlock()
	return &Handle{registry: r, id: id, e: e}, nil
}

// Session is the live conversation, or nil when it must be rebuilt.
func (h *Handle) Session() *chat.Session {
	return h.e.session
}

// Set installs a rebuilt conversation.
func (h *Handle) Set(s *chat.Session) {
	h.e.session = s
}

// Drop discards the live conversation.
func (h *Handle) Drop() {
	h.e.session = nil
}

// Release gives up access. Calling it more than once is a no-op.
func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true
	r := h.registry
	r.mu.Lock()
	if h.e.evicted {
		h.e.evicted = false
		h.e.session = nil
	}
	r.mu.Unlock()
	h.e.lastUsed = r.now()
	<-h.e.lock
	r.unref(h.id, h.e)
}

func (r *Registry) unref(id string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.refs--
	if e.refs > 0 {
		return
	}
	// lock is free once refs hits zero
	if e.session == nil {
		delete(r.entries, id)
	}
}

// Evict forgets the live conversation for id. If a request currently holds
// it, the conversation is dropped when that request releases it.
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[id]
	if e == nil {
		return
	}
	if e.refs > 0 {
		e.evicted = true
		return
	}
	delete(r.entries, id)
	r.logger.Debug().Str("session_id", id).Msg("session evicted")
}

// Len reports how many sessions are kept in memory.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// StartEvictor drops sessions idle for longer than ttl, checking every interval.
func (r *Registry) StartEvictor(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 || ttl <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.evictIdle(ttl); n > 0 {
					r.logger.Info().Int("evicted", n).Msg("idle sessions evicted")
				}
			}
		}
	}()
}

func (r *Registry) evictIdle(ttl time.Duration) int {
	cutoff := r.now().Add(-ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.entries {
		// entries with refs are in use and therefore not idle
		if e.refs > 0 {
			continue
		}
		if e.lastUsed.Before(cutoff) {
			delete(r.entries, id)
			n++
		}
	}
	return n
}
