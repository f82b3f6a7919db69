package mux

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"
)

// fakeHandler scripts the fake transport's answer to one command.
type fakeHandler func(method string, params map[string]any) (any, error)

type fakeCall struct {
	Method string
	Params map[string]any
}

// fakeTransport stands in for the extension but keeps the bind real: Start
// takes the port like the real transport does, so leader election and peer
// links behave exactly as in production.
type fakeTransport struct {
	addr     string
	router   *http.ServeMux
	server   *http.Server
	listener net.Listener

	mu      sync.Mutex
	calls   []fakeCall
	handler fakeHandler

	onReconnect func()
	onTabInfo   func(map[string]any)
}

func newFakeTransport(host string, port int) *fakeTransport {
	return &fakeTransport{
		addr:   fmt.Sprintf("%s:%d", host, port),
		router: http.NewServeMux(),
	}
}

func (f *fakeTransport) Handle(pattern string, handler http.Handler) {
	f.router.Handle(pattern, handler)
}

func (f *fakeTransport) Start() error {
	listener, err := net.Listen("tcp", f.addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", f.addr, err)
	}
	f.listener = listener
	f.server = &http.Server{Handler: f.router}
	go f.server.Serve(listener)
	return nil
}

func (f *fakeTransport) Stop() error {
	if f.server != nil {
		return f.server.Close()
	}
	return nil
}

func (f *fakeTransport) SendCmd(method string, params map[string]any, timeout time.Duration) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{Method: method, Params: params})
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		return handler(method, params)
	}
	return map[string]any{}, nil
}

func (f *fakeTransport) setHandler(h fakeHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeTransport) callsFor(method string) []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeTransport) allCalls() []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeTransport) Connected() bool    { return true }
func (f *fakeTransport) Browser() string    { return "fake" }
func (f *fakeTransport) BuildTime() string  { return "" }
func (f *fakeTransport) SetClientID(string) {}
func (f *fakeTransport) SetOnReconnect(fn func()) {
	f.onReconnect = fn
}
func (f *fakeTransport) SetOnTabInfoUpdate(fn func(map[string]any)) {
	f.onTabInfo = fn
}
func (f *fakeTransport) RecentErrors() []string { return nil }

// freePort asks the kernel for an unused loopback port.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

// startMux builds and starts a Mux on the given port backed by a fake
// transport, returning both. The first instance on a port becomes leader.
func startMux(t *testing.T, port int, sessionID string) (*Mux, *fakeTransport) {
	t.Helper()
	var fake *fakeTransport
	m := New(Options{
		Port:           port,
		SessionID:      sessionID,
		ConnectTimeout: 2 * time.Second,
		CommandTimeout: 5 * time.Second,
		NewTransport: func(host string, p int) Transport {
			fake = newFakeTransport(host, p)
			return fake
		},
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start mux %s: %v", sessionID, err)
	}
	t.Cleanup(m.Stop)
	return m, fake
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
