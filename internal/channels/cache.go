package channels

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// MediaCache downloads platform attachments to local files before the
// event reaches the gateway — platform CDN URLs expire, local paths
// don't.
type MediaCache struct {
	Dir        string
	HTTPClient *http.Client
}

// NewMediaCache creates a cache rooted at dir.
func NewMediaCache(dir string) *MediaCache {
	return &MediaCache{
		Dir:        dir,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

const maxMediaBytes = 50 << 20

// Fetch downloads url (with optional auth header) into the cache and
// returns the local path. Repeated fetches of the same URL reuse the
// cached file.
func (m *MediaCache) Fetch(url, ext, authHeader string) (string, error) {
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}
	sum := sha256.Sum256([]byte(url))
	path := filepath.Join(m.Dir, hex.EncodeToString(sum[:12])+ext)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	resp, err := m.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	_, err = io.Copy(f, io.LimitReader(resp.Body, maxMediaBytes))
	f.Close()
	if err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write cache file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return path, nil
}
