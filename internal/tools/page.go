package tools

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/roelfdiedericks/tabmux/internal/content"
	. "github.com/roelfdiedericks/tabmux/internal/logging"
	"github.com/roelfdiedericks/tabmux/internal/media"
)

type getContentInput struct {
	Format string `json:"format,omitempty"` // markdown (default), html, text
}

func (s *Service) makeGetContentHandler() func(context.Context, *mcp.CallToolRequest, getContentInput) (*mcp.CallToolResult, emptyOut, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input getContentInput) (*mcp.CallToolResult, emptyOut, error) {
		s.noteClient(req)

		result, err := s.cmd.SendCmd(ctx, "getContent", nil, 0)
		if err != nil {
			return errorResult(err.Error()), emptyOut{}, nil
		}

		html, pageURL := contentFromResult(result)
		if html == "" {
			return errorResult("extension returned no page content"), emptyOut{}, nil
		}

		article := content.Extract(html, pageURL)
		rendered, err := article.Render(input.Format)
		if err != nil {
			return errorResult(err.Error()), emptyOut{}, nil
		}
		return textResult(rendered), emptyOut{}, nil
	}
}

// contentFromResult accepts the extension's content result in either shape:
// a bare HTML string or {html, url}.
func contentFromResult(result any) (html, pageURL string) {
	switch v := result.(type) {
	case string:
		return v, ""
	case map[string]any:
		html, _ = v["html"].(string)
		pageURL, _ = v["url"].(string)
		return html, pageURL
	}
	return "", ""
}

type screenshotInput struct {
	FullPage bool `json:"full_page,omitempty"`
}

func (s *Service) makeScreenshotHandler() func(context.Context, *mcp.CallToolRequest, screenshotInput) (*mcp.CallToolResult, emptyOut, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input screenshotInput) (*mcp.CallToolResult, emptyOut, error) {
		s.noteClient(req)

		result, err := s.cmd.SendCmd(ctx, "screenshot", map[string]any{"fullPage": input.FullPage}, 0)
		if err != nil {
			return errorResult(err.Error()), emptyOut{}, nil
		}

		payload := screenshotPayload(result)
		if payload == "" {
			return errorResult("extension returned no screenshot data"), emptyOut{}, nil
		}
		raw, err := media.ParseDataURL(payload)
		if err != nil {
			return errorResult(err.Error()), emptyOut{}, nil
		}
		img, err := media.Optimize(raw, s.maxImageDim, s.maxImageBytes)
		if err != nil {
			return errorResult(err.Error()), emptyOut{}, nil
		}

		contents := []mcp.Content{
			&mcp.ImageContent{Data: img.Data, MIMEType: img.MimeType},
		}
		if s.screenshotsDir != "" {
			path, err := media.SaveScreenshot(s.screenshotsDir, s.cmd.SessionID(), img)
			if err != nil {
				L_warn("tools: screenshot save failed", "error", err)
			} else {
				contents = append(contents, &mcp.TextContent{
					Text: fmt.Sprintf("Saved to %s (%dx%d, %d bytes)", path, img.Width, img.Height, img.Size()),
				})
			}
		}
		return &mcp.CallToolResult{Content: contents}, emptyOut{}, nil
	}
}

// screenshotPayload accepts either a bare data URL or {data: <dataURL>}.
func screenshotPayload(result any) string {
	switch v := result.(type) {
	case string:
		return v
	case map[string]any:
		if data, ok := v["data"].(string); ok {
			return data
		}
	}
	return ""
}
