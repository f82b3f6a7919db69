package extension

import "encoding/json"

// Frames exchanged with the browser extension over /extension. The extension
// registers itself first, then answers commands by id and pushes tab info
// changes as they happen.

// inboundFrame is the union of everything the extension can send. Type
// discriminates; unused fields stay zero.
type inboundFrame struct {
	Type           string          `json:"type"`
	Browser        string          `json:"browser,omitempty"`
	BuildTimestamp *string         `json:"buildTimestamp,omitempty"`
	TabInfo        map[string]any  `json:"tabInfo,omitempty"`
	ID             string          `json:"id,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *cmdError       `json:"error,omitempty"`
}

type cmdError struct {
	Message string `json:"message"`
}

// cmdFrame is a command pushed to the extension.
type cmdFrame struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Method    string         `json:"method"`
	Params    map[string]any `json:"params"`
	TimeoutMs int64          `json:"timeoutMs"`
}

// clientIDFrame tells the extension which MCP client is driving it.
type clientIDFrame struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}
