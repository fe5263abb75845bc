// Package qr renders session tokens as scannable PNG images.
package qr

import (
	"errors"

	qrcode "github.com/skip2/go-qrcode"
)

const defaultSize = 256

var ErrEmptyToken = errors.New("empty token")

// PNG encodes the token with medium error correction. Size is the
// image edge in pixels; values <= 0 fall back to the default.
func PNG(token string, size int) ([]byte, error) {
	if token == "" {
		return nil, ErrEmptyToken
	}
	if size <= 0 {
		size = defaultSize
	}
	return qrcode.Encode(token, qrcode.Medium, size)
}
