package tools

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type emptyOut struct{}

type navigateInput struct {
	URL string `json:"url"`
}

func (s *Service) makeNavigateHandler() func(context.Context, *mcp.CallToolRequest, navigateInput) (*mcp.CallToolResult, emptyOut, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input navigateInput) (*mcp.CallToolResult, emptyOut, error) {
		s.noteClient(req)
		if input.URL == "" {
			return errorResult("url is required"), emptyOut{}, nil
		}
		result, err := s.cmd.SendCmd(ctx, "navigate", map[string]any{"url": input.URL}, 0)
		if err != nil {
			return errorResult(err.Error()), emptyOut{}, nil
		}
		return jsonResult(result), emptyOut{}, nil
	}
}

type getTabsInput struct{}

func (s *Service) makeGetTabsHandler() func(context.Context, *mcp.CallToolRequest, getTabsInput) (*mcp.CallToolResult, emptyOut, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input getTabsInput) (*mcp.CallToolResult, emptyOut, error) {
		s.noteClient(req)
		result, err := s.cmd.SendCmd(ctx, "getTabs", nil, 0)
		if err != nil {
			return errorResult(err.Error()), emptyOut{}, nil
		}
		return jsonResult(result), emptyOut{}, nil
	}
}

type selectTabInput struct {
	TabID int `json:"tab_id"`
}

func (s *Service) makeSelectTabHandler() func(context.Context, *mcp.CallToolRequest, selectTabInput) (*mcp.CallToolResult, emptyOut, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input selectTabInput) (*mcp.CallToolResult, emptyOut, error) {
		s.noteClient(req)
		if input.TabID <= 0 {
			return errorResult("tab_id is required"), emptyOut{}, nil
		}
		result, err := s.cmd.SendCmd(ctx, "selectTab", map[string]any{"tabId": input.TabID}, 0)
		if err != nil {
			return errorResult(err.Error()), emptyOut{}, nil
		}
		return jsonResult(result), emptyOut{}, nil
	}
}

type newTabInput struct {
	URL string `json:"url,omitempty"`
}

func (s *Service) makeNewTabHandler() func(context.Context, *mcp.CallToolRequest, newTabInput) (*mcp.CallToolResult, emptyOut, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input newTabInput) (*mcp.CallToolResult, emptyOut, error) {
		s.noteClient(req)
		params := map[string]any{}
		if input.URL != "" {
			params["url"] = input.URL
		}
		result, err := s.cmd.SendCmd(ctx, "createTab", params, 0)
		if err != nil {
			return errorResult(err.Error()), emptyOut{}, nil
		}
		return jsonResult(result), emptyOut{}, nil
	}
}

type closeTabInput struct {
	TabID int `json:"tab_id,omitempty"`
}

func (s *Service) makeCloseTabHandler() func(context.Context, *mcp.CallToolRequest, closeTabInput) (*mcp.CallToolResult, emptyOut, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input closeTabInput) (*mcp.CallToolResult, emptyOut, error) {
		s.noteClient(req)
		params := map[string]any{}
		if input.TabID > 0 {
			params["tabId"] = input.TabID
		}
		result, err := s.cmd.SendCmd(ctx, "closeTab", params, 0)
		if err != nil {
			return errorResult(err.Error()), emptyOut{}, nil
		}
		return jsonResult(result), emptyOut{}, nil
	}
}

type evaluateInput struct {
	Expression string `json:"expression"`
}

func (s *Service) makeEvaluateHandler() func(context.Context, *mcp.CallToolRequest, evaluateInput) (*mcp.CallToolResult, emptyOut, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input evaluateInput) (*mcp.CallToolResult, emptyOut, error) {
		s.noteClient(req)
		if input.Expression == "" {
			return errorResult("expression is required"), emptyOut{}, nil
		}
		result, err := s.cmd.SendCmd(ctx, "evaluate", map[string]any{"expression": input.Expression}, 0)
		if err != nil {
			return errorResult(err.Error()), emptyOut{}, nil
		}
		return jsonResult(result), emptyOut{}, nil
	}
}
