// Package tools exposes the multiplexer's browser operations as MCP tools.
package tools

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/roelfdiedericks/tabmux/internal/history"
	. "github.com/roelfdiedericks/tabmux/internal/logging"
)

// Commander is the command surface the tools need from the multiplexer.
type Commander interface {
	SendCmd(ctx context.Context, method string, params map[string]any, timeout time.Duration) (any, error)
	SessionID() string
	NotifyClientId(clientID string)
}

// Options configures the tool service.
type Options struct {
	Commander Commander
	History   *history.Store // nil = history tool reports disabled

	ScreenshotsDir string
	MaxImageDim    int
	MaxImageBytes  int
}

// Service holds the shared state behind every tool handler.
type Service struct {
	cmd  Commander
	hist *history.Store

	screenshotsDir string
	maxImageDim    int
	maxImageBytes  int

	clientOnce sync.Once
}

func NewService(opts Options) *Service {
	return &Service{
		cmd:            opts.Commander,
		hist:           opts.History,
		screenshotsDir: opts.ScreenshotsDir,
		maxImageDim:    opts.MaxImageDim,
		maxImageBytes:  opts.MaxImageBytes,
	}
}

// Register adds every browser tool to the MCP server.
func (s *Service) Register(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "browser_navigate",
		Description: "Navigate the current tab to a URL.",
	}, s.makeNavigateHandler())

	mcp.AddTool(server, &mcp.Tool{
		Name:        "browser_get_tabs",
		Description: "List the browser tabs visible to this session.",
	}, s.makeGetTabsHandler())

	mcp.AddTool(server, &mcp.Tool{
		Name:        "browser_select_tab",
		Description: "Switch this session to a tab by id. The tab becomes owned by this session.",
	}, s.makeSelectTabHandler())

	mcp.AddTool(server, &mcp.Tool{
		Name:        "browser_new_tab",
		Description: "Open a new tab, optionally at a URL, owned by this session.",
	}, s.makeNewTabHandler())

	mcp.AddTool(server, &mcp.Tool{
		Name:        "browser_close_tab",
		Description: "Close a tab by id, or this session's current tab when no id is given.",
	}, s.makeCloseTabHandler())

	mcp.AddTool(server, &mcp.Tool{
		Name:        "browser_evaluate",
		Description: "Evaluate a JavaScript expression in the current tab and return its result.",
	}, s.makeEvaluateHandler())

	mcp.AddTool(server, &mcp.Tool{
		Name:        "browser_get_content",
		Description: "Extract the current page's content as markdown (default), html, or text.",
	}, s.makeGetContentHandler())

	mcp.AddTool(server, &mcp.Tool{
		Name:        "browser_screenshot",
		Description: "Capture the current tab as an image, optionally the full page.",
	}, s.makeScreenshotHandler())

	mcp.AddTool(server, &mcp.Tool{
		Name:        "browser_read_console",
		Description: "Read recent console messages from the current tab, optionally filtered by level.",
	}, s.makeReadConsoleHandler())

	mcp.AddTool(server, &mcp.Tool{
		Name:        "browser_read_network",
		Description: "Read recent network request entries, optionally filtered with a jq expression.",
	}, s.makeReadNetworkHandler())

	mcp.AddTool(server, &mcp.Tool{
		Name:        "browser_history",
		Description: "Show this session's recent browser command audit entries.",
	}, s.makeHistoryHandler())
}

// noteClient forwards the MCP client identity once, on the first tool call
// that carries a session.
func (s *Service) noteClient(req *mcp.CallToolRequest) {
	if req == nil || req.Session == nil {
		return
	}
	s.clientOnce.Do(func() {
		params := req.Session.InitializeParams()
		if params == nil || params.ClientInfo == nil || params.ClientInfo.Name == "" {
			return
		}
		L_debug("tools: client identified", "name", params.ClientInfo.Name)
		s.cmd.NotifyClientId(params.ClientInfo.Name)
	})
}

// errorResult reports a tool failure to the client without failing the MCP
// call itself.
func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

// jsonResult renders a command result as indented JSON text.
func jsonResult(v any) *mcp.CallToolResult {
	if v == nil {
		return textResult("ok")
	}
	if s, ok := v.(string); ok {
		return textResult(s)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result: " + err.Error())
	}
	return textResult(string(data))
}
