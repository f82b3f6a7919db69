// Package extension owns the single WebSocket channel to the browser
// extension and the shared TCP listener it lives on. Binding that listener is
// also how leader election works: whichever process gets the port owns the
// extension, everyone else proxies through it.
package extension

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	. "github.com/roelfdiedericks/tabmux/internal/logging"
	"github.com/roelfdiedericks/tabmux/internal/metrics"
)

// ErrNotConnected means no extension is currently registered.
var ErrNotConnected = errors.New("extension not connected")

const (
	pingInterval  = 30 * time.Second
	writeDeadline = 10 * time.Second
	recentErrors  = 20
)

type pendingCmd struct {
	resolve chan any
	reject  chan error
	timer   *time.Timer
}

// Transport serves the shared host:port and talks to the one extension
// connection. Routes for other consumers (the multiplexer's /peer and
// /status) must be registered via Handle before Start.
type Transport struct {
	addr   string
	router *chi.Mux
	server *http.Server

	mu       sync.RWMutex
	writeMu  sync.Mutex
	listener net.Listener
	conn     *websocket.Conn
	pending  map[string]*pendingCmd

	browser       string
	buildTime     string
	activeTab     int
	registrations int
	stopped       bool

	onReconnect     func()
	onTabInfoUpdate func(map[string]any)

	upgrader websocket.Upgrader
	recent   *errorRing
}

// New creates an unstarted transport for the shared endpoint.
func New(host string, port int) *Transport {
	t := &Transport{
		addr:    fmt.Sprintf("%s:%d", host, port),
		router:  chi.NewRouter(),
		pending: make(map[string]*pendingCmd),
		recent:  newErrorRing(recentErrors),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return strings.HasPrefix(origin, "chrome-extension://") ||
					strings.HasPrefix(origin, "moz-extension://")
			},
		},
	}
	t.router.HandleFunc("/extension", t.handleExtensionWS)
	return t
}

// Handle registers an extra route on the shared listener. Must be called
// before Start.
func (t *Transport) Handle(pattern string, handler http.Handler) {
	t.router.Handle(pattern, handler)
}

// Start binds the shared port and begins serving. A bind failure is returned
// wrapped so callers can check errors.Is(err, syscall.EADDRINUSE).
func (t *Transport) Start() error {
	listener, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", t.addr, err)
	}

	t.mu.Lock()
	t.listener = listener
	t.server = &http.Server{
		Handler:           t.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := t.server
	t.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			if !IsShuttingDown() {
				L_error("extension: server error", "addr", t.addr, "error", err)
			}
		}
	}()

	L_info("extension: listening", "addr", t.addr)
	return nil
}

// Stop closes the extension connection, rejects everything pending, and
// releases the listener. Idempotent.
func (t *Transport) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	conn := t.conn
	t.conn = nil
	server := t.server
	t.rejectPendingLocked(errors.New("transport stopped"))
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if server != nil {
		return server.Close()
	}
	return nil
}

// Addr returns the shared endpoint address.
func (t *Transport) Addr() string {
	return t.addr
}

// Connected reports whether an extension is registered.
func (t *Transport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn != nil && t.browser != ""
}

// Browser returns the registered browser name, or "".
func (t *Transport) Browser() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.browser
}

// BuildTime returns the extension build timestamp, or "".
func (t *Transport) BuildTime() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.buildTime
}

// ActiveTab returns the tab the extension last reported as active, 0 if
// unknown.
func (t *Transport) ActiveTab() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.activeTab
}

// RecentErrors returns the last few transport errors, oldest first.
func (t *Transport) RecentErrors() []string {
	return t.recent.recent()
}

// SetOnReconnect installs the callback fired when the extension re-registers
// after having been connected before.
func (t *Transport) SetOnReconnect(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReconnect = fn
}

// SetOnTabInfoUpdate installs the callback fired on every tab info push.
func (t *Transport) SetOnTabInfoUpdate(fn func(map[string]any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTabInfoUpdate = fn
}

// SetClientID tells the extension which MCP client is driving. Best-effort.
func (t *Transport) SetClientID(id string) {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.WriteJSON(&clientIDFrame{Type: "client_id", ClientID: id}); err != nil {
		L_warn("extension: failed to send client id", "error", err)
	}
}

// SendCmd sends one command to the extension and waits for its result or the
// timeout. Fails fast with ErrNotConnected when no extension is attached.
func (t *Transport) SendCmd(method string, params map[string]any, timeout time.Duration) (any, error) {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	if params == nil {
		params = map[string]any{}
	}

	id := uuid.NewString()
	resolve := make(chan any, 1)
	reject := make(chan error, 1)
	timer := time.AfterFunc(timeout, func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		reject <- fmt.Errorf("extension command %s timed out after %s", method, timeout)
	})

	t.mu.Lock()
	t.pending[id] = &pendingCmd{resolve: resolve, reject: reject, timer: timer}
	t.mu.Unlock()

	frame := &cmdFrame{
		Type:      "cmd",
		ID:        id,
		Method:    method,
		Params:    params,
		TimeoutMs: timeout.Milliseconds(),
	}

	t.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	err := conn.WriteJSON(frame)
	t.writeMu.Unlock()
	if err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		timer.Stop()
		t.recent.add(fmt.Sprintf("write %s: %v", method, err))
		return nil, fmt.Errorf("send %s to extension: %w", method, err)
	}

	L_trace("extension: command sent", "id", id, "method", method)

	select {
	case result := <-resolve:
		return result, nil
	case err := <-reject:
		t.recent.add(fmt.Sprintf("%s: %v", method, err))
		return nil, err
	}
}

func (t *Transport) handleExtensionWS(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		L_warn("extension: second connection rejected", "remote", r.RemoteAddr)
		http.Error(w, "extension already connected", http.StatusConflict)
		return
	}
	t.mu.Unlock()

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		L_warn("extension: upgrade failed", "error", err)
		return
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	L_info("extension: connected", "remote", r.RemoteAddr)

	done := make(chan struct{})
	go t.pingLoop(conn, done)
	t.readLoop(conn)
	close(done)

	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
		t.browser = ""
		t.buildTime = ""
	}
	t.rejectPendingLocked(errors.New("extension disconnected"))
	t.mu.Unlock()

	if !IsShuttingDown() {
		L_warn("extension: disconnected")
	}
}

func (t *Transport) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline))
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !IsShuttingDown() {
				L_warn("extension: read error", "error", err)
				t.recent.add(fmt.Sprintf("read: %v", err))
			}
			return
		}
		t.handleFrame(&frame)
	}
}

func (t *Transport) handleFrame(frame *inboundFrame) {
	switch frame.Type {
	case "register":
		t.handleRegister(frame)

	case "result":
		t.mu.Lock()
		pending := t.pending[frame.ID]
		delete(t.pending, frame.ID)
		t.mu.Unlock()
		if pending == nil {
			// Timed out earlier; the late result is dropped.
			L_trace("extension: late result ignored", "id", frame.ID)
			return
		}
		pending.timer.Stop()
		if frame.Error != nil {
			pending.reject <- errors.New(frame.Error.Message)
			return
		}
		pending.resolve <- decodeResult(frame.Result)

	case "tab_info_update":
		t.applyTabInfo(frame.TabInfo)

	default:
		L_debug("extension: unknown frame ignored", "type", frame.Type)
	}
}

func (t *Transport) handleRegister(frame *inboundFrame) {
	t.mu.Lock()
	t.browser = frame.Browser
	if frame.BuildTimestamp != nil {
		t.buildTime = *frame.BuildTimestamp
	} else {
		t.buildTime = ""
	}
	t.registrations++
	reconnected := t.registrations > 1
	onReconnect := t.onReconnect
	t.mu.Unlock()

	L_info("extension: registered", "browser", frame.Browser, "buildTime", t.BuildTime(), "reconnect", reconnected)
	metrics.GetInstance().IncrementCounter("extension", "registrations")

	if frame.TabInfo != nil {
		t.applyTabInfo(frame.TabInfo)
	}
	if reconnected && onReconnect != nil {
		onReconnect()
	}
}

func (t *Transport) applyTabInfo(tabInfo map[string]any) {
	if tabInfo == nil {
		return
	}
	t.mu.Lock()
	if id, ok := tabInfo["activeTabId"].(float64); ok {
		t.activeTab = int(id)
	}
	fn := t.onTabInfoUpdate
	t.mu.Unlock()
	if fn != nil {
		fn(tabInfo)
	}
}

// rejectPendingLocked rejects every pending command. Caller holds t.mu.
func (t *Transport) rejectPendingLocked(err error) {
	for id, pending := range t.pending {
		pending.timer.Stop()
		pending.reject <- err
		delete(t.pending, id)
	}
}

func decodeResult(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
