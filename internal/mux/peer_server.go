package mux

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	. "github.com/roelfdiedericks/tabmux/internal/logging"
	"github.com/roelfdiedericks/tabmux/internal/metrics"
)

const peerPingInterval = 30 * time.Second

// peerSession is the leader's handle on one connected follower: its socket,
// write lock, and keepalive. Queue and ownership state live in the scheduler
// and ownership table under the same session id.
type peerSession struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func (p *peerSession) send(v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return p.conn.WriteJSON(v)
}

// close tears the socket down once; safe from any goroutine.
func (p *peerSession) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

func (p *peerSession) pingLoop() {
	ticker := time.NewTicker(peerPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.writeMu.Lock()
			err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			p.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

var peerUpgrader = websocket.Upgrader{
	// Peers are local processes, not browsers; they send no Origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handlePeerWS accepts follower connections on the leader's /peer route.
func (m *Mux) handlePeerWS(w http.ResponseWriter, r *http.Request) {
	if !isLoopbackAddr(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	sessionID := r.URL.Query().Get("session")

	conn, err := peerUpgrader.Upgrade(w, r, nil)
	if err != nil {
		L_warn("mux: peer upgrade failed", "error", err)
		return
	}

	if reason := m.registerPeerCheck(sessionID); reason != "" {
		L_warn("mux: peer rejected", "session", sessionID, "reason", reason)
		conn.WriteJSON(&peerReject{Type: frameTypeReject, Reason: reason})
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	ps := &peerSession{id: sessionID, conn: conn, done: make(chan struct{})}

	m.mu.Lock()
	transport := m.transport
	owners := m.owners
	sched := m.sched
	m.peers[sessionID] = ps
	peerCount := len(m.peers)
	m.mu.Unlock()

	owners.addSession(sessionID)
	sched.addSession(sessionID)
	metrics.GetInstance().SetGauge("mux", "peer_sessions", int64(peerCount))

	ack := &peerAck{Type: frameTypeAck, Browser: transport.Browser()}
	if bt := transport.BuildTime(); bt != "" {
		ack.BuildTimestamp = &bt
	}
	if err := ps.send(ack); err != nil {
		L_warn("mux: failed to ack peer", "session", sessionID, "error", err)
		m.removePeer(ps)
		return
	}

	L_info("mux: peer connected", "session", sessionID, "peers", peerCount)
	go ps.pingLoop()

	m.peerReadLoop(ps)
	m.removePeer(ps)
}

// registerPeerCheck validates a handshake. Returns "" when acceptable, else
// the rejection reason.
func (m *Mux) registerPeerCheck(sessionID string) string {
	if sessionID == "" {
		return "missing session id"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.role != RoleLeader {
		return "not leader"
	}
	if sessionID == m.sessionID {
		return fmt.Sprintf("session id %q already connected", sessionID)
	}
	if _, exists := m.peers[sessionID]; exists {
		return fmt.Sprintf("session id %q already connected", sessionID)
	}
	return ""
}

func (m *Mux) peerReadLoop(ps *peerSession) {
	for {
		var frame peerFrame
		if err := ps.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !IsShuttingDown() {
				L_debug("mux: peer read error", "session", ps.id, "error", err)
			}
			return
		}
		if !frame.isRequest() {
			// Malformed or unexpected frames never kill the connection.
			L_debug("mux: ignoring unexpected peer frame", "session", ps.id, "type", frame.Type)
			continue
		}
		go m.servePeerRequest(ps, &frame)
	}
}

// servePeerRequest runs one relayed command through the same scheduler as
// local requests and writes the correlated response back.
func (m *Mux) servePeerRequest(ps *peerSession, frame *peerFrame) {
	timeout := time.Duration(frame.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = m.opts.CommandTimeout
	}

	result, err := m.sched.submit(ps.id, frame.Method, frame.Params, timeout)

	resp := &peerResponse{JSONRPC: jsonrpcVersion, ID: frame.ID}
	if err != nil {
		resp.Error = &peerError{Code: peerErrorCode, Message: err.Error()}
	} else {
		resp.Result = result
	}
	if err := ps.send(resp); err != nil && !IsShuttingDown() {
		L_debug("mux: failed to send peer response", "session", ps.id, "error", err)
	}
}

// removePeer tears down a disconnected follower: rejects its queued requests,
// releases its tabs, and asks the extension to drop its grouping state.
func (m *Mux) removePeer(ps *peerSession) {
	ps.close()

	m.mu.Lock()
	if m.peers[ps.id] != ps {
		m.mu.Unlock()
		return
	}
	delete(m.peers, ps.id)
	peerCount := len(m.peers)
	transport := m.transport
	owners := m.owners
	sched := m.sched
	stopped := m.role == RoleStopped
	m.mu.Unlock()

	sched.removeSession(ps.id, ErrSessionDisconnected)
	owners.removeSession(ps.id)
	metrics.GetInstance().SetGauge("mux", "peer_sessions", int64(peerCount))

	if !stopped {
		L_info("mux: peer disconnected", "session", ps.id, "peers", peerCount)
		// Best-effort: failure here only means stale grouping in the browser.
		if _, err := transport.SendCmd("releaseGroup", map[string]any{"sessionId": ps.id}, 5*time.Second); err != nil {
			L_debug("mux: release of extension session state failed", "session", ps.id, "error", err)
		}
	}
}

// broadcastToPeers relays one event frame to every connected follower.
func (m *Mux) broadcastToPeers(v any) {
	m.mu.Lock()
	peers := make([]*peerSession, 0, len(m.peers))
	for _, ps := range m.peers {
		peers = append(peers, ps)
	}
	m.mu.Unlock()

	for _, ps := range peers {
		if err := ps.send(v); err != nil && !IsShuttingDown() {
			L_debug("mux: event relay failed", "session", ps.id, "error", err)
		}
	}
}

func isLoopbackAddr(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
