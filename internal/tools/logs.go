package tools

import (
	"context"
	"fmt"

	"github.com/itchyny/gojq"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type readConsoleInput struct {
	Limit int    `json:"limit,omitempty"`
	Level string `json:"level,omitempty"` // log, info, warn, error
}

func (s *Service) makeReadConsoleHandler() func(context.Context, *mcp.CallToolRequest, readConsoleInput) (*mcp.CallToolResult, emptyOut, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input readConsoleInput) (*mcp.CallToolResult, emptyOut, error) {
		s.noteClient(req)
		params := map[string]any{}
		if input.Limit > 0 {
			params["limit"] = input.Limit
		}
		if input.Level != "" {
			params["level"] = input.Level
		}
		result, err := s.cmd.SendCmd(ctx, "readConsole", params, 0)
		if err != nil {
			return errorResult(err.Error()), emptyOut{}, nil
		}
		return jsonResult(result), emptyOut{}, nil
	}
}

type readNetworkInput struct {
	Query string `json:"query,omitempty"` // jq filter over the entry list
	Limit int    `json:"limit,omitempty"`
}

func (s *Service) makeReadNetworkHandler() func(context.Context, *mcp.CallToolRequest, readNetworkInput) (*mcp.CallToolResult, emptyOut, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input readNetworkInput) (*mcp.CallToolResult, emptyOut, error) {
		s.noteClient(req)
		params := map[string]any{}
		if input.Limit > 0 {
			params["limit"] = input.Limit
		}
		result, err := s.cmd.SendCmd(ctx, "readNetwork", params, 0)
		if err != nil {
			return errorResult(err.Error()), emptyOut{}, nil
		}
		if input.Query != "" {
			filtered, err := applyJQ(input.Query, result)
			if err != nil {
				return errorResult(err.Error()), emptyOut{}, nil
			}
			result = filtered
		}
		return jsonResult(result), emptyOut{}, nil
	}
}

// applyJQ runs a jq filter over an already-decoded JSON value. A filter
// yielding a single value returns it bare; multiple values come back as a
// list.
func applyJQ(query string, input any) (any, error) {
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("invalid jq query: %w", err)
	}

	var results []any
	iter := parsed.Run(input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("jq error: %w", err)
		}
		results = append(results, v)
	}

	if len(results) == 1 {
		return results[0], nil
	}
	return results, nil
}

type historyInput struct {
	Limit int `json:"limit,omitempty"`
}

func (s *Service) makeHistoryHandler() func(context.Context, *mcp.CallToolRequest, historyInput) (*mcp.CallToolResult, emptyOut, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input historyInput) (*mcp.CallToolResult, emptyOut, error) {
		s.noteClient(req)
		if s.hist == nil {
			return errorResult("command history is disabled"), emptyOut{}, nil
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 20
		}
		entries, err := s.hist.Recent(s.cmd.SessionID(), limit)
		if err != nil {
			return errorResult(err.Error()), emptyOut{}, nil
		}
		return jsonResult(entries), emptyOut{}, nil
	}
}
