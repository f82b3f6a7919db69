// Package media post-processes screenshots captured by the extension:
// MIME sniffing from magic bytes, data-URL decoding, and resize/re-encode
// to keep payloads within MCP client limits.
package media

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Default caps applied when the config carries none.
const (
	DefaultMaxDimension = 2000            // max width or height in pixels
	DefaultMaxBytes     = 5 * 1024 * 1024 // 5MB
)

// Image MIME types the optimizer can decode.
var SupportedMIMETypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// ImageData is a processed image ready to ship as an MCP content block.
type ImageData struct {
	Data     []byte
	MimeType string
	Width    int
	Height   int
}

// Base64 returns the image data as a base64-encoded string.
func (img *ImageData) Base64() string {
	return base64.StdEncoding.EncodeToString(img.Data)
}

// Size returns the encoded size in bytes.
func (img *ImageData) Size() int {
	return len(img.Data)
}

// DetectMIME sniffs the MIME type from magic bytes, never from a filename.
func DetectMIME(data []byte) string {
	return mimetype.Detect(data).String()
}

// IsSupported reports whether the optimizer can decode this MIME type.
func IsSupported(mimeType string) bool {
	return SupportedMIMETypes[mimeType]
}

// ParseDataURL decodes a data: URL as produced by the extension's screenshot
// capture ("data:image/png;base64,...."). Plain base64 without the data:
// prefix is accepted too.
func ParseDataURL(s string) ([]byte, error) {
	payload := s
	if strings.HasPrefix(s, "data:") {
		idx := strings.IndexByte(s, ',')
		if idx < 0 {
			return nil, fmt.Errorf("malformed data URL: no comma separator")
		}
		meta := s[len("data:"):idx]
		if !strings.HasSuffix(meta, ";base64") {
			return nil, fmt.Errorf("unsupported data URL encoding %q", meta)
		}
		payload = s[idx+1:]
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot payload: %w", err)
	}
	return data, nil
}
