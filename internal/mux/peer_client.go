package mux

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	. "github.com/roelfdiedericks/tabmux/internal/logging"
)

// inflightGrace is added to the follower-side wait so the leader's own, more
// specific timeout error wins the race when both fire.
const inflightGrace = 5 * time.Second

type pendingCall struct {
	done  chan outcome
	timer *time.Timer
}

// peerClient is the follower's link to the leader. It holds no shared state
// beyond its own inflight map; everything else lives leader-side.
type peerClient struct {
	sessionID string
	conn      *websocket.Conn
	writeMu   sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool
	// stopping suppresses the onClosed promotion trigger during Stop.
	stopping bool

	browser   string
	buildTime string

	onClosed         func()
	onReconnectEvent func()
	onTabInfoEvent   func(map[string]any)
}

// dialPeer connects to the current leader and completes the handshake:
// peer_ack means we are a follower, peer_reject and timeouts are terminal for
// this attempt.
func dialPeer(addr, sessionID string, connectTimeout time.Duration) (*peerClient, error) {
	wsURL := fmt.Sprintf("ws://%s/peer?session=%s", addr, url.QueryEscape(sessionID))
	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}

	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to leader at %s: %w", addr, err)
	}

	conn.SetReadDeadline(time.Now().Add(connectTimeout))
	var frame peerFrame
	if err := conn.ReadJSON(&frame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("waiting for leader handshake: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	switch frame.Type {
	case frameTypeAck:
		// fall through
	case frameTypeReject:
		conn.Close()
		return nil, fmt.Errorf("leader rejected peer connection: %s", frame.Reason)
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected handshake frame %q from leader", frame.Type)
	}

	c := &peerClient{
		sessionID: sessionID,
		conn:      conn,
		pending:   make(map[string]*pendingCall),
		browser:   frame.Browser,
	}
	if frame.BuildTimestamp != nil {
		c.buildTime = *frame.BuildTimestamp
	}
	return c, nil
}

// start begins the read loop. Callbacks must be installed first.
func (c *peerClient) start() {
	go c.readLoop()
}

// call ships one command to the leader and waits for the correlated response.
func (c *peerClient) call(method string, params map[string]any, timeout time.Duration) (any, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrNotLeaderConnected
	}
	id := uuid.NewString()
	call := &pendingCall{done: make(chan outcome, 1)}
	call.timer = time.AfterFunc(timeout+inflightGrace, func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		call.done <- outcome{err: fmt.Errorf("command %s timed out after %s waiting for leader", method, timeout)}
	})
	c.pending[id] = call
	c.mu.Unlock()

	if params == nil {
		params = map[string]any{}
	}
	req := &peerRequest{
		JSONRPC:   jsonrpcVersion,
		ID:        id,
		Method:    method,
		Params:    params,
		TimeoutMs: timeout.Milliseconds(),
	}

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		call.timer.Stop()
		return nil, fmt.Errorf("send to leader: %w", err)
	}

	o := <-call.done
	return o.result, o.err
}

func (c *peerClient) readLoop() {
	for {
		var frame peerFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			break
		}

		switch {
		case frame.isRPC() && !frame.isRequest():
			c.resolve(&frame)
		case frame.Type == frameTypeReconnect:
			if c.onReconnectEvent != nil {
				c.onReconnectEvent()
			}
		case frame.Type == frameTypeTabInfoUpdate:
			if c.onTabInfoEvent != nil {
				c.onTabInfoEvent(frame.TabInfo)
			}
		default:
			L_debug("mux: ignoring unexpected frame from leader", "type", frame.Type)
		}
	}

	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	stopping := c.stopping
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	reason := error(ErrNotLeaderConnected)
	if stopping {
		reason = ErrStopped
	}
	for _, call := range pending {
		call.timer.Stop()
		call.done <- outcome{err: fmt.Errorf("peer link closed: %w", reason)}
	}

	if !alreadyClosed && !stopping && c.onClosed != nil {
		c.onClosed()
	}
}

// close shuts the link down deliberately (Stop), without triggering
// promotion.
func (c *peerClient) close() {
	c.mu.Lock()
	c.stopping = true
	c.mu.Unlock()
	c.conn.Close()
}

func (c *peerClient) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *peerClient) resolve(frame *peerFrame) {
	c.mu.Lock()
	call, ok := c.pending[frame.ID]
	delete(c.pending, frame.ID)
	c.mu.Unlock()
	if !ok {
		// Timed out locally; the late response is dropped.
		L_trace("mux: late response from leader ignored", "id", frame.ID)
		return
	}
	call.timer.Stop()
	if frame.Error != nil {
		call.done <- outcome{err: errors.New(frame.Error.Message)}
		return
	}
	call.done <- outcome{result: frame.decodedResult()}
}
