package mux

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// gatedExec records execution order and blocks each request on release until
// the test opens the gate, so queues can be filled while one request is
// in flight.
type gatedExec struct {
	mu      sync.Mutex
	order   []string
	started chan string
	release chan struct{}
}

func newGatedExec() *gatedExec {
	return &gatedExec{
		started: make(chan string, 32),
		release: make(chan struct{}),
	}
}

func (g *gatedExec) exec(req *queuedRequest) (any, error) {
	key := req.sessionID + ":" + req.method
	g.mu.Lock()
	g.order = append(g.order, key)
	g.mu.Unlock()
	g.started <- key
	<-g.release
	return key, nil
}

func (g *gatedExec) sequence() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// submitAsync submits in a goroutine and waits until the request is either
// queued or in flight, so per-session FIFO order is deterministic.
func submitAsync(t *testing.T, s *scheduler, wg *sync.WaitGroup, session, method string) {
	t.Helper()
	before := s.queueDepth(session)
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.submit(session, method, nil, time.Second)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for s.queueDepth(session) <= before {
		if time.Now().After(deadline) {
			t.Fatalf("request %s:%s never queued", session, method)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSchedulerFairInterleaving(t *testing.T) {
	g := newGatedExec()
	s := newScheduler(g.exec)
	defer s.stop()
	s.addSession("A")
	s.addSession("B")

	var wg sync.WaitGroup
	// First request goes straight to the drain goroutine and blocks there,
	// holding the line while both queues fill up behind it.
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.submit("A", "a1", nil, time.Second)
	}()
	<-g.started

	submitAsync(t, s, &wg, "A", "a2")
	submitAsync(t, s, &wg, "A", "a3")
	submitAsync(t, s, &wg, "B", "b1")
	submitAsync(t, s, &wg, "B", "b2")
	submitAsync(t, s, &wg, "B", "b3")

	close(g.release)
	wg.Wait()

	want := []string{"A:a1", "B:b1", "A:a2", "B:b2", "A:a3", "B:b3"}
	got := g.sequence()
	if len(got) != len(want) {
		t.Fatalf("executed %d requests, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", got, want)
		}
	}
}

func TestSchedulerSkipsEmptyQueues(t *testing.T) {
	g := newGatedExec()
	s := newScheduler(g.exec)
	defer s.stop()
	s.addSession("A")
	s.addSession("B")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.submit("A", "a1", nil, time.Second)
	}()
	<-g.started
	// B stays idle; A's second request must run back to back, not wait a
	// rotation slot for B.
	submitAsync(t, s, &wg, "A", "a2")

	close(g.release)
	wg.Wait()

	got := g.sequence()
	if len(got) != 2 || got[0] != "A:a1" || got[1] != "A:a2" {
		t.Fatalf("execution order = %v, want [A:a1 A:a2]", got)
	}
}

func TestSchedulerPerSessionFIFO(t *testing.T) {
	g := newGatedExec()
	s := newScheduler(g.exec)
	defer s.stop()
	s.addSession("A")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.submit("A", "r0", nil, time.Second)
	}()
	<-g.started
	for i := 1; i <= 4; i++ {
		submitAsync(t, s, &wg, "A", fmt.Sprintf("r%d", i))
	}

	close(g.release)
	wg.Wait()

	got := g.sequence()
	for i, key := range got {
		want := fmt.Sprintf("A:r%d", i)
		if key != want {
			t.Fatalf("position %d = %s, want %s (full order %v)", i, key, want, got)
		}
	}
}

func TestSchedulerRemoveSessionRejectsQueued(t *testing.T) {
	g := newGatedExec()
	s := newScheduler(g.exec)
	defer s.stop()
	s.addSession("A")
	s.addSession("B")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.submit("A", "a1", nil, time.Second)
	}()
	<-g.started

	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.submit("B", "b1", nil, time.Second)
		errCh <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for s.queueDepth("B") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("b1 never queued")
		}
		time.Sleep(time.Millisecond)
	}

	s.removeSession("B", ErrSessionDisconnected)

	if err := <-errCh; !errors.Is(err, ErrSessionDisconnected) {
		t.Fatalf("queued request error = %v, want ErrSessionDisconnected", err)
	}
	if _, err := s.submit("B", "b2", nil, time.Second); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("submit after removal = %v, want ErrUnknownSession", err)
	}
	rotation := s.rotationOrder()
	if len(rotation) != 1 || rotation[0] != "A" {
		t.Fatalf("rotation after removal = %v, want [A]", rotation)
	}

	close(g.release)
	wg.Wait()
}

func TestSchedulerRemoveSessionClampsCursor(t *testing.T) {
	s := newScheduler(func(req *queuedRequest) (any, error) { return nil, nil })
	defer s.stop()
	s.addSession("A")
	s.addSession("B")
	s.addSession("C")

	// Run one request through C so the cursor wraps past the end, then drop
	// two sessions. The next pick must not index out of range.
	s.mu.Lock()
	s.cursor = 2
	s.mu.Unlock()
	s.removeSession("B", ErrSessionDisconnected)
	s.removeSession("C", ErrSessionDisconnected)

	if _, err := s.submit("A", "ping", nil, time.Second); err != nil {
		t.Fatalf("submit after cursor clamp: %v", err)
	}
}

func TestSchedulerStopRejectsEverything(t *testing.T) {
	g := newGatedExec()
	s := newScheduler(g.exec)
	s.addSession("A")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.submit("A", "a1", nil, time.Second)
	}()
	<-g.started

	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.submit("A", "a2", nil, time.Second)
		errCh <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for s.queueDepth("A") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("a2 never queued")
		}
		time.Sleep(time.Millisecond)
	}

	s.stop()
	if err := <-errCh; !errors.Is(err, ErrStopped) {
		t.Fatalf("queued request after stop = %v, want ErrStopped", err)
	}
	if _, err := s.submit("A", "a3", nil, time.Second); !errors.Is(err, ErrStopped) {
		t.Fatalf("submit after stop = %v, want ErrStopped", err)
	}

	close(g.release)
	wg.Wait()
}

func TestSchedulerUnknownSession(t *testing.T) {
	s := newScheduler(func(req *queuedRequest) (any, error) { return nil, nil })
	defer s.stop()
	if _, err := s.submit("ghost", "ping", nil, time.Second); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("submit for unregistered session = %v, want ErrUnknownSession", err)
	}
}
