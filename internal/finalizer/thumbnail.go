package finalizer

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// writeThumbnail stores a JPEG preview of width pixels next to src.
func writeThumbnail(src string, width int) (string, error) {
	if width <= 0 {
		width = 320
	}
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Dx() > width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}
	dst := strings.TrimSuffix(src, filepath.Ext(src)) + "_thumb.jpg"
	if err := imaging.Save(img, dst, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}
	return dst, nil
}

func isImage(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(mimeType), "image/")
}
