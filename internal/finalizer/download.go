package finalizer

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"
)

// ErrResultGone is returned when the result URL answers with a client error
// that retrying will not fix, such as 404 or 410.
var ErrResultGone = errors.New("artifact no longer available")

// Downloader fetches provider results over HTTP into a FileStore.
type Downloader struct {
	client   *http.Client
	files    *FileStore
	maxBytes int64
}

// NewDownloader builds a downloader. timeout bounds each whole transfer.
func NewDownloader(files *FileStore, timeout time.Duration, maxBytes int64) *Downloader {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if maxBytes <= 0 {
		maxBytes = 512 << 20
	}
	return &Downloader{client: &http.Client{Timeout: timeout}, files: files, maxBytes: maxBytes}
}

// Fetch streams url to keyPrefix/<name> and returns the local path, size and
// content type. The file extension comes from the URL, falling back to the
// response content type.
func (d *Downloader) Fetch(ctx context.Context, url, keyPrefix, name string) (string, int64, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", 0, "", fmt.Errorf("download artifact: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return "", 0, "", fmt.Errorf("download artifact: status %d", resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError:
		return "", 0, "", fmt.Errorf("download artifact: status %d: %w", resp.StatusCode, ErrResultGone)
	case resp.StatusCode >= http.StatusInternalServerError:
		return "", 0, "", fmt.Errorf("download artifact: status %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	key := keyPrefix + "/" + name + extensionFor(url, contentType)
	localPath, n, err := d.files.WriteStream(ctx, key, resp.Body, d.maxBytes)
	if err != nil {
		return "", 0, "", err
	}
	return localPath, n, contentType, nil
}

func extensionFor(rawURL, contentType string) string {
	p := rawURL
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if ext := path.Ext(p); ext != "" && len(ext) <= 5 {
		return strings.ToLower(ext)
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mt {
		case "video/mp4":
			return ".mp4"
		case "image/png":
			return ".png"
		case "image/jpeg":
			return ".jpg"
		case "image/webp":
			return ".webp"
		case "video/webm":
			return ".webm"
		}
	}
	return ".bin"
}
