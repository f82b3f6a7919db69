package media

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/disintegration/imaging"

	// webp screenshots decode through the registered x/image codec.
	_ "golang.org/x/image/webp"
)

// Quality levels to try, descending.
var qualityLevels = []int{85, 75, 65, 55, 45, 35}

// Dimension levels to try when resizing is needed, descending.
var dimensionLevels = []int{2000, 1800, 1600, 1400, 1200, 1000, 800}

// Optimize resizes and compresses an image until it fits maxDim and maxBytes.
// Zero or negative caps fall back to the defaults.
func Optimize(data []byte, maxDim, maxBytes int) (*ImageData, error) {
	if maxDim <= 0 {
		maxDim = DefaultMaxDimension
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	mimeType := DetectMIME(data)
	if !IsSupported(mimeType) {
		return nil, fmt.Errorf("unsupported image type: %s", mimeType)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	if width <= maxDim && height <= maxDim && len(data) <= maxBytes {
		return &ImageData{
			Data:     data,
			MimeType: mimeType,
			Width:    width,
			Height:   height,
		}, nil
	}

	return optimizeWithGridSearch(img, width, height, format, maxDim, maxBytes)
}

// optimizeWithGridSearch walks descending dimension and quality combinations
// until one fits, keeping the smallest seen as a fallback.
func optimizeWithGridSearch(img image.Image, origWidth, origHeight int, format string, maxDim, maxBytes int) (*ImageData, error) {
	largest := origWidth
	if origHeight > largest {
		largest = origHeight
	}
	dimensions := make([]int, 0, len(dimensionLevels)+1)
	if largest <= maxDim {
		dimensions = append(dimensions, largest)
	} else {
		dimensions = append(dimensions, maxDim)
	}
	for _, d := range dimensionLevels {
		if d <= maxDim && d < largest && d != dimensions[0] {
			dimensions = append(dimensions, d)
		}
	}

	var smallest *ImageData

	for _, targetDim := range dimensions {
		resized := img
		newWidth, newHeight := origWidth, origHeight
		if origWidth > targetDim || origHeight > targetDim {
			resized = imaging.Fit(img, targetDim, targetDim, imaging.Lanczos)
			bounds := resized.Bounds()
			newWidth = bounds.Dx()
			newHeight = bounds.Dy()
		}

		for _, quality := range qualityLevels {
			encoded, mimeType, err := encodeImage(resized, format, quality)
			if err != nil {
				continue
			}

			if smallest == nil || len(encoded) < len(smallest.Data) {
				smallest = &ImageData{
					Data:     encoded,
					MimeType: mimeType,
					Width:    newWidth,
					Height:   newHeight,
				}
			}

			if len(encoded) <= maxBytes {
				return &ImageData{
					Data:     encoded,
					MimeType: mimeType,
					Width:    newWidth,
					Height:   newHeight,
				}, nil
			}
		}

		// Only JPEG re-encodes at multiple qualities per dimension.
		if format != "jpeg" {
			continue
		}
	}

	if smallest != nil && len(smallest.Data) <= maxBytes {
		return smallest, nil
	}
	if smallest != nil {
		return nil, fmt.Errorf("image could not be reduced below %d bytes (got %d)", maxBytes, len(smallest.Data))
	}
	return nil, fmt.Errorf("failed to optimize image")
}

// encodeImage encodes in the source format where possible; webp and unknown
// formats re-encode as JPEG since Go's webp support is decode-only.
func encodeImage(img image.Image, format string, quality int) ([]byte, string, error) {
	var buf bytes.Buffer

	switch format {
	case "jpeg":
		err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
		return buf.Bytes(), "image/jpeg", err

	case "png":
		err := png.Encode(&buf, img)
		return buf.Bytes(), "image/png", err

	case "gif":
		err := gif.Encode(&buf, img, nil)
		return buf.Bytes(), "image/gif", err

	default:
		err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
		return buf.Bytes(), "image/jpeg", err
	}
}
