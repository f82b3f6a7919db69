package mux

import (
	"sync"
	"time"

	. "github.com/roelfdiedericks/tabmux/internal/logging"
	"github.com/roelfdiedericks/tabmux/internal/metrics"
)

// queuedRequest lives from enqueue until it is executed or its session is
// destroyed. It completes exactly once: result, error, or bulk rejection.
type queuedRequest struct {
	sessionID string
	method    string
	params    map[string]any
	timeout   time.Duration

	once sync.Once
	done chan outcome
}

type outcome struct {
	result any
	err    error
}

func (r *queuedRequest) complete(result any, err error) {
	r.once.Do(func() {
		r.done <- outcome{result: result, err: err}
	})
}

type execFunc func(*queuedRequest) (any, error)

// scheduler drains one FIFO queue per session in fair rotation, executing at
// most one request at a time. The drain goroutine is woken by a buffered
// channel rather than a polled flag, so an Enqueue during a drain never gets
// lost and an idle scheduler burns nothing.
type scheduler struct {
	mu       sync.Mutex
	queues   map[string][]*queuedRequest
	rotation []string
	cursor   int
	stopped  bool

	wake   chan struct{}
	stopCh chan struct{}
	exec   execFunc
}

func newScheduler(exec execFunc) *scheduler {
	s := &scheduler{
		queues: make(map[string][]*queuedRequest),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		exec:   exec,
	}
	go s.drain()
	return s
}

// addSession registers a session at the end of the rotation.
func (s *scheduler) addSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.queues[id]; exists {
		return
	}
	s.queues[id] = nil
	s.rotation = append(s.rotation, id)
}

// removeSession drops a session, rejecting everything still queued for it.
// The cursor is clamped back into range so a removal mid-rotation cannot
// leave it out of bounds.
func (s *scheduler) removeSession(id string, reason error) {
	s.mu.Lock()
	pending, exists := s.queues[id]
	if !exists {
		s.mu.Unlock()
		return
	}
	delete(s.queues, id)
	for i, sid := range s.rotation {
		if sid != id {
			continue
		}
		s.rotation = append(s.rotation[:i], s.rotation[i+1:]...)
		if i < s.cursor {
			s.cursor--
		}
		break
	}
	if len(s.rotation) == 0 || s.cursor >= len(s.rotation) {
		s.cursor = 0
	}
	s.mu.Unlock()

	for _, req := range pending {
		req.complete(nil, reason)
	}
	if len(pending) > 0 {
		L_debug("scheduler: rejected queued requests for removed session",
			"session", id, "count", len(pending), "reason", reason)
	}
}

// submit enqueues one request under the session's queue and blocks until it
// completes. Per-session order is FIFO; cross-session order follows the
// rotation cursor.
func (s *scheduler) submit(sessionID, method string, params map[string]any, timeout time.Duration) (any, error) {
	req := &queuedRequest{
		sessionID: sessionID,
		method:    method,
		params:    params,
		timeout:   timeout,
		done:      make(chan outcome, 1),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	if _, exists := s.queues[sessionID]; !exists {
		s.mu.Unlock()
		return nil, ErrUnknownSession
	}
	s.queues[sessionID] = append(s.queues[sessionID], req)
	depth := s.totalDepthLocked()
	s.mu.Unlock()

	metrics.GetInstance().SetGauge("scheduler", "queue_depth", int64(depth))

	select {
	case s.wake <- struct{}{}:
	default:
	}

	o := <-req.done
	return o.result, o.err
}

// next pops the head of the first non-empty queue at or after the cursor,
// then sets the cursor one past the picked position. One position per pick,
// never more: a session that stays busy cannot be served twice before an
// idle-then-busy session is revisited.
func (s *scheduler) next() *queuedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.rotation)
	if n == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		pos := (s.cursor + i) % n
		id := s.rotation[pos]
		queue := s.queues[id]
		if len(queue) == 0 {
			continue
		}
		req := queue[0]
		s.queues[id] = queue[1:]
		s.cursor = (pos + 1) % n
		return req
	}
	return nil
}

func (s *scheduler) drain() {
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.wake:
			for {
				req := s.next()
				if req == nil {
					break
				}
				start := time.Now()
				result, err := s.exec(req)
				metrics.GetInstance().RecordDuration("scheduler", req.method, time.Since(start))
				req.complete(result, err)
			}
		}
	}
}

// stop rejects everything queued in bulk and halts the drain goroutine.
func (s *scheduler) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	var pending []*queuedRequest
	for id, queue := range s.queues {
		pending = append(pending, queue...)
		s.queues[id] = nil
	}
	s.mu.Unlock()

	close(s.stopCh)
	for _, req := range pending {
		req.complete(nil, ErrStopped)
	}
}

// queueDepth returns the number of requests queued for one session.
func (s *scheduler) queueDepth(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[sessionID])
}

// rotationOrder returns a copy of the session rotation.
func (s *scheduler) rotationOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.rotation))
	copy(out, s.rotation)
	return out
}

// totalDepthLocked sums all queue lengths. Caller holds s.mu.
func (s *scheduler) totalDepthLocked() int {
	total := 0
	for _, queue := range s.queues {
		total += len(queue)
	}
	return total
}
