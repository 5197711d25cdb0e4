// Package pictures turns user-supplied image URLs into the processed
// bytes Slack accepts for a profile photo, with a cache in front so a
// category flip does not re-download and re-encode the same image.
package pictures

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

const maxImageBytes = 5 * 1024 * 1024

// ErrNotImage means the URL resolved but did not serve an image. The
// engine tells the user their configured URL is broken; any other
// failure is silent.
var ErrNotImage = errors.New("url does not serve an image")

// Cache stores processed images keyed by URL hash.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Put(ctx context.Context, key string, data []byte)
}

// Library resolves picture URLs to Slack-ready PNG bytes.
type Library struct {
	http  *http.Client
	cache Cache
	log   *slog.Logger
}

func NewLibrary(cache Cache, log *slog.Logger) *Library {
	return &Library{
		http:  &http.Client{Timeout: 30 * time.Second},
		cache: cache,
		log:   log,
	}
}

// Get downloads, validates and normalizes the image at imgURL,
// consulting the cache first.
func (l *Library) Get(ctx context.Context, imgURL string) ([]byte, error) {
	key := cacheKey(imgURL)
	if data, ok := l.cache.Get(ctx, key); ok {
		return data, nil
	}

	data, err := l.download(ctx, imgURL)
	if err != nil {
		return nil, err
	}

	processed, err := normalize(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotImage, err)
	}

	l.cache.Put(ctx, key, processed)
	return processed, nil
}

func (l *Library) download(ctx context.Context, imgURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imgURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := l.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrNotImage, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "image") {
		return nil, fmt.Errorf("%w: content-type %q", ErrNotImage, ct)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrNotImage, maxImageBytes)
	}
	return data, nil
}

// normalize decodes the image and re-encodes it as a PNG no larger
// than 512x512, the size Slack renders.
func normalize(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	img = imaging.Fit(img, 512, 512, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func cacheKey(imgURL string) string {
	sum := sha256.Sum256([]byte(imgURL))
	return hex.EncodeToString(sum[:])
}
