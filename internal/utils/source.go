package utils

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const userAgent = "dish-counter/1.0"

// IsURL reports whether source is an http or https URL
func IsURL(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// ReadImageSource returns the raw bytes of an image file path or URL
func ReadImageSource(ctx context.Context, source string) ([]byte, error) {
	if IsURL(source) {
		return DownloadImage(ctx, source)
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return data, nil
}

// DownloadImage fetches an image over HTTP. The response must carry an
// image content type.
func DownloadImage(ctx context.Context, imageURL string) ([]byte, error) {
	parsed, err := url.Parse(imageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (only http and https are supported)", parsed.Scheme)
	}

	resp, err := resty.New().
		SetTimeout(30*time.Second).
		SetHeader("User-Agent", userAgent).
		R().
		SetContext(ctx).
		Get(imageURL)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("failed to download image: HTTP %d", resp.StatusCode())
	}
	if ct := resp.Header().Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("URL does not point to an image (Content-Type: %s)", ct)
	}
	return resp.Body(), nil
}
