package media

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	. "github.com/roelfdiedericks/tabmux/internal/logging"
)

var extByMIME = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// SaveScreenshot writes an optimized screenshot under dir with a timestamped
// name scoped to the capturing session, returning the full path.
func SaveScreenshot(dir, sessionID string, img *ImageData) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create screenshots dir: %w", err)
	}

	ext := extByMIME[img.MimeType]
	if ext == "" {
		ext = ".bin"
	}
	name := fmt.Sprintf("%s-%s%s", time.Now().Format("20060102-150405.000"), sessionID, ext)
	path := filepath.Join(dir, name)

	if err := os.WriteFile(path, img.Data, 0o644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	L_debug("media: screenshot saved", "path", path, "bytes", len(img.Data), "dims", fmt.Sprintf("%dx%d", img.Width, img.Height))
	return path, nil
}

// PruneDir deletes screenshot files older than the cutoff. A missing dir is
// fine; it just means nothing was ever captured.
func PruneDir(dir string, olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read screenshots dir: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			L_warn("media: failed to prune screenshot", "file", entry.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		L_info("media: pruned old screenshots", "removed", removed, "dir", dir)
	}
	return removed, nil
}
