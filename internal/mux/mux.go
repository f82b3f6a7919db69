// Package mux turns the single browser extension endpoint into N
// fairly-scheduled, isolated client sessions. Exactly one process is leader
// at a time: whoever binds the shared port owns the extension and accepts
// peer connections from every other process, which proxy their commands
// through it. Leader election is exclusive TCP bind, not consensus — the OS
// guarantees a single owner for the one resource being arbitrated.
package mux

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/tabmux/internal/extension"
	"github.com/roelfdiedericks/tabmux/internal/history"
	. "github.com/roelfdiedericks/tabmux/internal/logging"
	"github.com/roelfdiedericks/tabmux/internal/metrics"
	"github.com/roelfdiedericks/tabmux/internal/policy"
)

// Role is the multiplexer's lifecycle state. At most one RoleLeader exists
// system-wide at any instant, enforced by exclusive port binding alone.
type Role int

const (
	RoleUnstarted Role = iota
	RoleLeader
	RoleFollower
	RolePromoting
	RoleStopped
)

func (r Role) String() string {
	switch r {
	case RoleUnstarted:
		return "unstarted"
	case RoleLeader:
		return "leader"
	case RoleFollower:
		return "follower"
	case RolePromoting:
		return "promoting"
	case RoleStopped:
		return "stopped"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Transport is the channel to the single browser extension. The concrete
// implementation lives in internal/extension; tests substitute fakes.
type Transport interface {
	Handle(pattern string, handler http.Handler)
	Start() error
	Stop() error
	SendCmd(method string, params map[string]any, timeout time.Duration) (any, error)
	Connected() bool
	Browser() string
	BuildTime() string
	SetClientID(id string)
	SetOnReconnect(fn func())
	SetOnTabInfoUpdate(fn func(map[string]any))
	RecentErrors() []string
}

// Options configures a Mux. Zero values get sensible defaults from New.
type Options struct {
	Host      string
	Port      int
	SessionID string

	ConnectTimeout time.Duration // follower handshake
	CommandTimeout time.Duration // default SendCmd timeout

	Policy  *policy.Policy // optional, leader-side
	History *history.Store // optional, recorded facade-side

	// NewTransport builds an unstarted transport; calling its Start is the
	// bind attempt that decides leadership. Defaults to the real extension
	// transport.
	NewTransport func(host string, port int) Transport
}

// Mux presents one uniform command interface regardless of whether this
// process is currently leader or follower.
type Mux struct {
	opts      Options
	sessionID string
	rng       *rand.Rand

	mu        sync.Mutex
	role      Role
	transport Transport               // leader only
	sched     *scheduler              // leader only
	owners    *ownershipTable         // leader only
	peers     map[string]*peerSession // leader only
	client    *peerClient             // follower only
	clientID  string
	browser   string // follower cache from peer_ack
	buildTime string
	promoting bool

	ctx    context.Context
	cancel context.CancelFunc

	schedErrors *recentErrors

	onReconnect     func()
	onTabInfoUpdate func(map[string]any)
}

// New creates an unstarted Mux.
func New(opts Options) *Mux {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.SessionID == "" {
		opts.SessionID = "mcp-" + uuid.NewString()[:8]
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	if opts.NewTransport == nil {
		opts.NewTransport = func(host string, port int) Transport {
			return extension.New(host, port)
		}
	}
	return &Mux{
		opts:        opts,
		sessionID:   opts.SessionID,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		peers:       make(map[string]*peerSession),
		schedErrors: newRecentErrors(20),
	}
}

// SessionID returns this process's session identity.
func (m *Mux) SessionID() string {
	return m.sessionID
}

// Role returns the current lifecycle state.
func (m *Mux) Role() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// Start settles the role: bind the shared port and become leader, or connect
// to the existing leader and become follower. A handshake rejection or
// timeout is terminal for Start; the role stays Unstarted so the caller may
// retry.
func (m *Mux) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.role != RoleUnstarted {
		role := m.role
		m.mu.Unlock()
		return fmt.Errorf("start called in role %s", role)
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	err := m.becomeLeader()
	if err == nil {
		L_info("mux: started as leader", "session", m.sessionID, "addr", m.addr())
		return nil
	}
	if !isAddrInUse(err) {
		return fmt.Errorf("bind shared endpoint: %w", err)
	}

	L_debug("mux: port taken, connecting as follower", "addr", m.addr())
	if err := m.connectAsFollower(); err != nil {
		return err
	}
	L_info("mux: started as follower", "session", m.sessionID, "leader", m.addr())
	return nil
}

// Stop tears down all sessions, queues, sockets, and the transport.
// Idempotent; terminal from any role.
func (m *Mux) Stop() {
	m.mu.Lock()
	if m.role == RoleStopped {
		m.mu.Unlock()
		return
	}
	m.role = RoleStopped
	sched := m.sched
	transport := m.transport
	client := m.client
	peers := make([]*peerSession, 0, len(m.peers))
	for _, ps := range m.peers {
		peers = append(peers, ps)
	}
	m.peers = make(map[string]*peerSession)
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sched != nil {
		sched.stop()
	}
	for _, ps := range peers {
		ps.close()
	}
	if client != nil {
		client.close()
	}
	if transport != nil {
		transport.Stop()
	}
	L_info("mux: stopped", "session", m.sessionID)
}

// SendCmd runs one command with the same fairness whether this process is
// leader or follower. Timeout <= 0 uses the configured default.
func (m *Mux) SendCmd(ctx context.Context, method string, params map[string]any, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = m.opts.CommandTimeout
	}

	start := time.Now()
	result, err := m.dispatch(ctx, method, params, timeout)
	m.recordHistory(method, params, time.Since(start), err)
	return result, err
}

func (m *Mux) dispatch(ctx context.Context, method string, params map[string]any, timeout time.Duration) (any, error) {
	m.mu.Lock()
	role := m.role
	sched := m.sched
	client := m.client
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch role {
	case RoleLeader:
		return sched.submit(m.sessionID, method, params, timeout)
	case RoleFollower, RolePromoting:
		if client == nil || !client.isOpen() {
			return nil, ErrNotLeaderConnected
		}
		return client.call(method, params, timeout)
	case RoleStopped:
		return nil, ErrStopped
	default:
		return nil, errors.New("multiplexer not started")
	}
}

// NotifyClientId forwards the MCP client identity to the extension. No-op on
// followers: only the leader's transport needs to know.
func (m *Mux) NotifyClientId(clientID string) {
	m.mu.Lock()
	m.clientID = clientID
	transport := m.transport
	isLeader := m.role == RoleLeader
	m.mu.Unlock()

	if isLeader && transport != nil {
		transport.SetClientID(clientID)
	}
}

// Connected reports whether commands can currently reach the extension.
func (m *Mux) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.role {
	case RoleLeader:
		return m.transport.Connected()
	case RoleFollower:
		return m.client != nil && m.client.isOpen()
	default:
		return false
	}
}

// Browser returns the registered browser name, from the transport (leader)
// or the handshake cache (follower).
func (m *Mux) Browser() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.role == RoleLeader {
		return m.transport.Browser()
	}
	return m.browser
}

// BuildTime returns the extension build timestamp the same way.
func (m *Mux) BuildTime() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.role == RoleLeader {
		return m.transport.BuildTime()
	}
	return m.buildTime
}

// SetOnReconnect installs the extension-reconnected callback. Leaders fire it
// from the transport, followers from the relayed peer event.
func (m *Mux) SetOnReconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = fn
}

// SetOnTabInfoUpdate installs the tab-info-change callback.
func (m *Mux) SetOnTabInfoUpdate(fn func(map[string]any)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTabInfoUpdate = fn
}

func (m *Mux) addr() string {
	return fmt.Sprintf("%s:%d", m.opts.Host, m.opts.Port)
}

// becomeLeader attempts the bind. On success this process owns the extension
// transport, registers its local session, and starts accepting peers.
func (m *Mux) becomeLeader() error {
	t := m.opts.NewTransport(m.opts.Host, m.opts.Port)
	t.Handle("/peer", http.HandlerFunc(m.handlePeerWS))
	t.Handle("/status", http.HandlerFunc(m.handleStatus))
	t.SetOnReconnect(m.relayReconnect)
	t.SetOnTabInfoUpdate(m.relayTabInfo)

	if err := t.Start(); err != nil {
		return err
	}

	m.mu.Lock()
	m.role = RoleLeader
	m.transport = t
	m.client = nil
	m.owners = newOwnershipTable()
	m.owners.addSession(m.sessionID)
	m.sched = newScheduler(m.executeRequest)
	m.sched.addSession(m.sessionID)
	clientID := m.clientID
	m.mu.Unlock()

	if clientID != "" {
		t.SetClientID(clientID)
	}
	return nil
}

// connectAsFollower opens the peer link to the current leader.
func (m *Mux) connectAsFollower() error {
	client, err := dialPeer(m.addr(), m.sessionID, m.opts.ConnectTimeout)
	if err != nil {
		return err
	}

	client.onClosed = m.handlePeerLinkClosed
	client.onReconnectEvent = func() {
		m.mu.Lock()
		fn := m.onReconnect
		m.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
	client.onTabInfoEvent = func(tabInfo map[string]any) {
		m.mu.Lock()
		fn := m.onTabInfoUpdate
		m.mu.Unlock()
		if fn != nil {
			fn(tabInfo)
		}
	}

	m.mu.Lock()
	m.role = RoleFollower
	m.client = client
	m.browser = client.browser
	m.buildTime = client.buildTime
	m.mu.Unlock()

	client.start()
	return nil
}

// handlePeerLinkClosed reacts to losing the leader: exactly one promotion
// attempt runs at a time, guarded by the promoting flag.
func (m *Mux) handlePeerLinkClosed() {
	m.mu.Lock()
	if m.role == RoleStopped || m.promoting {
		m.mu.Unlock()
		return
	}
	m.promoting = true
	m.role = RolePromoting
	m.mu.Unlock()

	L_info("mux: leader connection lost, attempting promotion", "session", m.sessionID)
	go m.promote()
}

// promote runs the jitter → bind → backoff → re-follow cycle. The jitter
// keeps simultaneous followers from colliding on the freed port; losing the
// race means a new leader exists, so we reconnect to it.
func (m *Mux) promote() {
	defer func() {
		m.mu.Lock()
		m.promoting = false
		m.mu.Unlock()
	}()

	for attempt := 1; attempt <= promotionAttempts; attempt++ {
		if !m.sleepInterruptible(jitterBetween(m.rng, bindJitterMin, bindJitterMax)) {
			return
		}

		err := m.becomeLeader()
		if err == nil {
			metrics.GetInstance().IncrementCounter("mux", "promotions")
			L_info("mux: promoted to leader", "session", m.sessionID, "attempt", attempt)
			return
		}
		if !isAddrInUse(err) {
			L_error("mux: promotion abandoned, bind failed", "error", err)
			m.mu.Lock()
			m.role = RoleFollower
			m.mu.Unlock()
			return
		}

		// Lost the race: someone else holds the port now. Back off, then
		// follow the new leader.
		if !m.sleepInterruptible(jitterBetween(m.rng, retryBackoffMin, retryBackoffMax)) {
			return
		}
		if err := m.connectAsFollower(); err == nil {
			L_info("mux: reconnected to new leader", "session", m.sessionID, "attempt", attempt)
			return
		} else {
			L_warn("mux: reconnect to new leader failed", "attempt", attempt, "error", err)
		}
	}

	// Disconnected until an external restart; SendCmd fails fast.
	m.mu.Lock()
	m.role = RoleFollower
	m.mu.Unlock()
	L_error("mux: promotion attempts exhausted, staying disconnected", "session", m.sessionID, "attempts", promotionAttempts)
}

// sleepInterruptible waits d or returns false if the mux is stopping.
func (m *Mux) sleepInterruptible(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-m.ctx.Done():
		return false
	}
}

// relayReconnect fans the extension-reconnected event out to the local
// callback and every connected peer.
func (m *Mux) relayReconnect() {
	m.mu.Lock()
	fn := m.onReconnect
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
	metrics.GetInstance().IncrementCounter("extension", "reconnects")
	m.broadcastToPeers(&reconnectEvent{Type: frameTypeReconnect})
}

// relayTabInfo does the same for tab info changes, and keeps the active-tab
// view current when the user switches tabs by hand.
func (m *Mux) relayTabInfo(tabInfo map[string]any) {
	m.mu.Lock()
	owners := m.owners
	fn := m.onTabInfoUpdate
	m.mu.Unlock()
	if owners != nil {
		if id := intParam(tabInfo, "activeTabId"); id != 0 {
			owners.setActiveTab(id)
		}
	}
	if fn != nil {
		fn(tabInfo)
	}
	m.broadcastToPeers(&tabInfoEvent{Type: frameTypeTabInfoUpdate, TabInfo: tabInfo})
}

func (m *Mux) recordHistory(method string, params map[string]any, duration time.Duration, err error) {
	if m.opts.History == nil {
		return
	}
	entry := history.Entry{
		SessionID: m.sessionID,
		Method:    method,
		TabID:     intParam(params, "tabId"),
		OK:        err == nil,
		Duration:  duration,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if recErr := m.opts.History.Record(entry); recErr != nil {
		L_debug("mux: history record failed", "error", recErr)
	}
}

func (m *Mux) recordSchedError(msg string) {
	m.schedErrors.add(msg)
}

// isAddrInUse detects the bind race that decides leadership.
func isAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.EADDRINUSE) ||
		strings.Contains(err.Error(), "address already in use")
}
