package qrtoken

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/skip2/go-qrcode"
)

// Renderer encodes tokens as PNG images. Images are cached per token since a token
// is displayed many times while it is active.
type Renderer struct {
	cache *cache.Cache
	size  int
}

// NewRenderer creates a renderer producing size x size images, cached for ttl.
func NewRenderer(size int, ttl time.Duration) *Renderer {
	if size <= 0 {
		size = 300
	}
	return &Renderer{cache: cache.New(ttl, 2*ttl), size: size}
}

// PNG returns the QR image for token.
func (r *Renderer) PNG(token string) ([]byte, error) {
	if cached, ok := r.cache.Get(token); ok {
		return cached.([]byte), nil
	}
	png, err := qrcode.Encode(token, qrcode.Medium, r.size)
	if err != nil {
		return nil, fmt.Errorf("qrtoken: encode png: %w", err)
	}
	r.cache.SetDefault(token, png)
	return png, nil
}
