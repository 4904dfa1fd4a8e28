// Package media turns downloaded generation artifacts into client-visible
// fragments: inline data URIs or files served from the gateway's static
// paths, with a sweeper bounding how long saved files live.
package media

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Output modes for images and videos.
const (
	ImageModeBase64 = "base64"
	ImageModeURL    = "url"

	VideoFormatMarkdown = "markdown"
	VideoFormatHTML     = "html"
	VideoFormatURL      = "url"
)

// Handler owns the media directories.
type Handler struct {
	imageDir string
	videoDir string
}

// NewHandler prepares the image and video directories under dataDir.
func NewHandler(dataDir string) (*Handler, error) {
	h := &Handler{
		imageDir: filepath.Join(dataDir, "images"),
		videoDir: filepath.Join(dataDir, "videos"),
	}
	for _, dir := range []string{h.imageDir, h.videoDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create media dir: %w", err)
		}
	}
	return h, nil
}

// ImageDir and VideoDir expose the static roots for the HTTP layer.
func (h *Handler) ImageDir() string { return h.imageDir }
func (h *Handler) VideoDir() string { return h.videoDir }

// ExtensionFor maps a MIME type to a file extension.
func ExtensionFor(mime string) string {
	switch {
	case strings.Contains(mime, "png"):
		return ".png"
	case strings.Contains(mime, "jpeg"), strings.Contains(mime, "jpg"):
		return ".jpg"
	case strings.Contains(mime, "gif"):
		return ".gif"
	case strings.Contains(mime, "webp"):
		return ".webp"
	case strings.Contains(mime, "mp4"):
		return ".mp4"
	case strings.Contains(mime, "webm"):
		return ".webm"
	default:
		return ".bin"
	}
}

func contentHash(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// EmitImage renders one image per the output mode. In url mode the file is
// written under the image directory and referenced from baseURL.
func (h *Handler) EmitImage(mode, baseURL, mime string, data []byte) (string, error) {
	if mode == ImageModeURL {
		name := contentHash(data) + ExtensionFor(mime)
		if err := os.WriteFile(filepath.Join(h.imageDir, name), data, 0o644); err != nil {
			return "", fmt.Errorf("save image: %w", err)
		}
		return fmt.Sprintf("![image](%s/images/%s)", strings.TrimRight(baseURL, "/"), name), nil
	}
	uri := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))
	return fmt.Sprintf("![image](%s)", uri), nil
}

// EmitVideo renders one video per the output format. Videos are always
// written to disk; the format controls how the link is presented.
func (h *Handler) EmitVideo(format, baseURL, mime string, data []byte) (string, error) {
	name := contentHash(data) + ExtensionFor(mime)
	if err := os.WriteFile(filepath.Join(h.videoDir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("save video: %w", err)
	}
	url := fmt.Sprintf("%s/videos/%s", strings.TrimRight(baseURL, "/"), name)
	switch format {
	case VideoFormatHTML:
		return fmt.Sprintf(`<video controls src="%s"></video>`, url), nil
	case VideoFormatURL:
		return url, nil
	default:
		return fmt.Sprintf("[video](%s)", url), nil
	}
}

// InlineError renders a per-file failure without aborting the stream.
func InlineError(fileID string, err error) string {
	log.Warnf("media download failed for %s: %v", fileID, err)
	return fmt.Sprintf("\n> media %s unavailable: %v\n", fileID, err)
}
