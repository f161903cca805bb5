package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Resolver turns a stored object key into a URL the detector can fetch.
type Resolver interface {
	URL(ctx context.Context, objectKey string) (string, error)
}

var ErrInvalidKey = errors.New("storage: invalid object key")

// BaseURLResolver joins object keys onto a fixed public base URL.
type BaseURLResolver struct {
	base *url.URL
}

func NewBaseURLResolver(raw string) (*BaseURLResolver, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("storage: image base url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("storage: image base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("storage: image base url must be http(s), got %q", u.Scheme)
	}
	return &BaseURLResolver{base: u}, nil
}

func (r *BaseURLResolver) URL(_ context.Context, objectKey string) (string, error) {
	key, err := cleanKey(objectKey)
	if err != nil {
		return "", err
	}
	return r.base.JoinPath(strings.Split(key, "/")...).String(), nil
}

func cleanKey(key string) (string, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return key, nil
}
