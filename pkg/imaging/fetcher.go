// Package imaging fetches remote images and re-encodes them as base64 PNG.
package imaging

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"strings"
	"time"

	_ "golang.org/x/image/webp"
)

// DefaultMaxSize caps downloads at 20 MiB
const DefaultMaxSize = 20 << 20

// ImageFetcher downloads images and converts them to base64-encoded PNG
type ImageFetcher struct {
	client  *http.Client
	maxSize int64 // Maximum allowed image size in bytes
}

type Option func(*ImageFetcher)

func WithHTTPClient(client *http.Client) Option {
	return func(f *ImageFetcher) {
		f.client = client
	}
}

func WithMaxSize(maxSize int64) Option {
	return func(f *ImageFetcher) {
		f.maxSize = maxSize
	}
}

func NewImageFetcher(opts ...Option) *ImageFetcher {
	f := &ImageFetcher{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxSize: DefaultMaxSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// EncodePNG fetches url, decodes it as any registered image format and
// returns the image re-encoded as PNG in standard base64.
func (f *ImageFetcher) EncodePNG(ctx context.Context, url string) (string, error) {
	data, err := f.fetch(ctx, url)
	if err != nil {
		return "", err
	}
	return ToPNGBase64(data)
}

// ToPNGBase64 decodes raw image bytes and re-encodes them as base64 PNG
func ToPNGBase64(data []byte) (string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to decode image: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("failed to encode %s image as png: %w", format, err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DataURI embeds a base64 PNG payload in a data URI
func DataURI(payload string) string {
	return "data:image/png;base64," + payload
}

func (f *ImageFetcher) fetch(ctx context.Context, url string) ([]byte, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("unsupported URL scheme: must be http:// or https://")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch image: status %d", resp.StatusCode)
	}
	if resp.ContentLength > f.maxSize {
		return nil, fmt.Errorf("image too large: %d bytes (max %d)", resp.ContentLength, f.maxSize)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(data)) > f.maxSize {
		return nil, fmt.Errorf("image too large: exceeds %d bytes", f.maxSize)
	}
	return data, nil
}
