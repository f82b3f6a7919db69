package mux

import "encoding/json"

// Peer link wire protocol. Followers ship commands to the leader in a
// JSON-RPC shaped envelope; the leader answers by correlation id and pushes
// two unsolicited event types.

const (
	frameTypeAck           = "peer_ack"
	frameTypeReject        = "peer_reject"
	frameTypeReconnect     = "reconnect"
	frameTypeTabInfoUpdate = "tab_info_update"

	jsonrpcVersion = "2.0"

	// peerErrorCode is the only error code crossing the peer link. Errors
	// are not multiplexed further; the message carries the detail.
	peerErrorCode = -32000
)

// peerAck confirms a follower handshake. BuildTimestamp is null when the
// extension never reported one, so no omitempty.
type peerAck struct {
	Type           string  `json:"type"`
	Browser        string  `json:"browser"`
	BuildTimestamp *string `json:"buildTimestamp"`
}

// peerReject refuses a follower handshake; the socket closes with 1008 right
// after it is sent.
type peerReject struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// reconnectEvent relays an extension reconnect to followers.
type reconnectEvent struct {
	Type string `json:"type"`
}

// tabInfoEvent relays a tab info change to followers.
type tabInfoEvent struct {
	Type    string         `json:"type"`
	TabInfo map[string]any `json:"tabInfo"`
}

// peerRequest is one command shipped follower → leader.
type peerRequest struct {
	JSONRPC   string         `json:"jsonrpc"`
	ID        string         `json:"id"`
	Method    string         `json:"method"`
	Params    map[string]any `json:"params"`
	TimeoutMs int64          `json:"timeout"`
}

// peerResponse answers one peerRequest, leader → follower.
type peerResponse struct {
	JSONRPC string     `json:"jsonrpc"`
	ID      string     `json:"id"`
	Result  any        `json:"result,omitempty"`
	Error   *peerError `json:"error,omitempty"`
}

type peerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// peerFrame is the decode union for everything arriving on a peer link.
// A frame with JSONRPC set is a request or response; otherwise Type
// discriminates. Malformed frames are logged and ignored by both sides.
type peerFrame struct {
	Type           string          `json:"type,omitempty"`
	Browser        string          `json:"browser,omitempty"`
	BuildTimestamp *string         `json:"buildTimestamp,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	TabInfo        map[string]any  `json:"tabInfo,omitempty"`
	JSONRPC        string          `json:"jsonrpc,omitempty"`
	ID             string          `json:"id,omitempty"`
	Method         string          `json:"method,omitempty"`
	Params         map[string]any  `json:"params,omitempty"`
	TimeoutMs      int64           `json:"timeout,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *peerError      `json:"error,omitempty"`
}

func (f *peerFrame) isRPC() bool {
	return f.JSONRPC == jsonrpcVersion && f.ID != ""
}

func (f *peerFrame) isRequest() bool {
	return f.isRPC() && f.Method != ""
}

func (f *peerFrame) decodedResult() any {
	if len(f.Result) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(f.Result, &v); err != nil {
		return string(f.Result)
	}
	return v
}
